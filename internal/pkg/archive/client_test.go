package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 2, 28, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "webhooks/paypal/2026/03/WH-123.json", ObjectKey("paypal", "WH-123", at))
	assert.Equal(t, "webhooks/authnet/2026/03/a_b_c.json", ObjectKey("authnet", "a/b c", at))
	assert.Equal(t, "webhooks/unknown/2026/03/unknown.json", ObjectKey("", " ", at))
}

func TestStoreUploadsPayload(t *testing.T) {
	api := &fakeS3{}
	c := NewClientWithAPI(api, "audit")
	received := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	job := &jobqueue.Job{Payload: jobqueue.WebhookArchiveJobPayload{
		Provider: "robokassa", EventID: "result-77", EventType: "charge_succeeded",
		Outcome: "applied", ReceivedAt: received, Body: `{"InvId":"77"}`,
	}.ToMap()}
	require.NoError(t, c.HandleJob(context.Background(), job))

	require.NotNil(t, api.input)
	assert.Equal(t, "audit", *api.input.Bucket)
	assert.Equal(t, "webhooks/robokassa/2026/05/result-77.json", *api.input.Key)
	assert.Equal(t, `{"InvId":"77"}`, api.body)
	assert.Equal(t, "applied", api.input.Metadata["outcome"])
}

func TestStoreError(t *testing.T) {
	c := NewClientWithAPI(&fakeS3{err: errors.New("503 slow down")}, "audit")
	_, err := c.Store(context.Background(), jobqueue.WebhookArchiveJobPayload{Provider: "paypal", EventID: "x"})
	assert.ErrorContains(t, err, "slow down")
}

func TestLoadConfig(t *testing.T) {
	t.Cleanup(func() { env.Env = nil })

	env.Env = map[string]string{"S3_ARCHIVE_ENABLED": "false"}
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled())

	env.Env = map[string]string{"S3_ARCHIVE_ENABLED": "true", "S3_ACCESS_KEY_ID": "k", "S3_SECRET_ACCESS_KEY": "s"}
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "S3_ARCHIVE_BUCKET")
}
