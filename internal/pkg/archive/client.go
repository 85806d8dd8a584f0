// Package archive keeps raw provider notifications in an S3-compatible
// bucket for the financial audit trail.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
)

// ObjectPutter is the subset of the S3 API the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client uploads webhook payloads
type Client struct {
	s3     ObjectPutter
	bucket string
}

// NewClient creates the S3 client for cfg
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("webhook archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	log.Infof("[Archive] Webhook archive bucket: %s", cfg.BucketName)
	return NewClientWithAPI(s3Client, cfg.BucketName), nil
}

func NewClientWithAPI(api ObjectPutter, bucket string) *Client {
	return &Client{s3: api, bucket: bucket}
}

// Store uploads one payload and returns its object key.
func (c *Client) Store(ctx context.Context, p jobqueue.WebhookArchiveJobPayload) (string, error) {
	key := ObjectKey(p.Provider, p.EventID, p.ReceivedAt)
	body := []byte(p.Body)

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"provider":   p.Provider,
			"event-type": p.EventType,
			"outcome":    p.Outcome,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, nil
}

// HandleJob is registered on the queue for webhook_archive jobs.
func (c *Client) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	p, err := jobqueue.WebhookArchiveJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("archive: decode payload: %w", err)
	}
	key, err := c.Store(ctx, *p)
	if err != nil {
		return err
	}
	log.Debugf("[Archive] Stored s3://%s/%s", c.bucket, key)
	return nil
}
