// Package notify delivers payment notices to users. Billing code emits
// messages after its database transaction commits; delivery runs through
// the job queue so a slow mail relay never blocks a webhook response.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
)

type Message struct {
	UserID      uint
	Type        string
	Subject     string
	Content     string
	ReferenceID string
	// Email, when set, mirrors the notice to this address.
	Email string
}

type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogSink only logs. Used when no queue is available.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, msg Message) error {
	log.Infof("[Notify] user=%d type=%s ref=%s", msg.UserID, msg.Type, msg.ReferenceID)
	return nil
}

type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// QueueSink turns messages into notification jobs.
type QueueSink struct {
	queue Enqueuer
}

func NewQueueSink(q Enqueuer) *QueueSink {
	return &QueueSink{queue: q}
}

func (s *QueueSink) Notify(ctx context.Context, msg Message) error {
	if msg.UserID == 0 {
		return errors.New("notify: message without user")
	}
	payload := jobqueue.NotificationJobPayload{
		UserID:      msg.UserID,
		Type:        msg.Type,
		Subject:     msg.Subject,
		Content:     msg.Content,
		ReferenceID: msg.ReferenceID,
		Email:       msg.Email,
	}
	if _, err := s.queue.EnqueueJob(ctx, jobqueue.JobTypeNotification, payload.ToMap()); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// Store persists in-app notifications.
type Store interface {
	CreateNotification(ctx context.Context, userID uint, kind, content, referenceID string) error
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) CreateNotification(ctx context.Context, userID uint, kind, content, referenceID string) error {
	return models.CreateNotification(s.db.WithContext(ctx), userID, kind, content, referenceID)
}

func (s *gormStore) UserEmail(ctx context.Context, userID uint) (string, error) {
	user, err := models.FindUserByID(s.db.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !user.Reachable() {
		return "", nil
	}
	return user.Email, nil
}

// EmailLookup is implemented by stores that can address a user directly.
type EmailLookup interface {
	UserEmail(ctx context.Context, userID uint) (string, error)
}

type Mailer interface {
	SendMail(to, subject, body string) error
}

// Deliverer is the worker side: it stores the notice and optionally mails it.
type Deliverer struct {
	store  Store
	mailer Mailer
}

// NewDeliverer accepts a nil mailer; email mirroring is then skipped.
func NewDeliverer(store Store, mailer Mailer) *Deliverer {
	return &Deliverer{store: store, mailer: mailer}
}

func (d *Deliverer) Deliver(ctx context.Context, msg Message) error {
	if err := d.store.CreateNotification(ctx, msg.UserID, msg.Type, msg.Content, msg.ReferenceID); err != nil {
		return fmt.Errorf("notify: store: %w", err)
	}
	if !d.canMail() {
		return nil
	}
	if msg.Email == "" {
		msg.Email = d.lookupEmail(ctx, msg.UserID)
	}
	if msg.Email == "" {
		return nil
	}
	subject := msg.Subject
	if subject == "" {
		subject = "PayFox: " + msg.Type
	}
	// A mail failure must not replay the in-app insert on retry
	if err := d.mailer.SendMail(msg.Email, subject, msg.Content); err != nil {
		log.Warnf("[Notify] mail for user %d (%s) failed: %v", msg.UserID, msg.ReferenceID, err)
	}
	return nil
}

func (d *Deliverer) lookupEmail(ctx context.Context, userID uint) string {
	lookup, ok := d.store.(EmailLookup)
	if !ok {
		return ""
	}
	email, err := lookup.UserEmail(ctx, userID)
	if err != nil {
		log.Warnf("[Notify] email lookup for user %d failed: %v", userID, err)
		return ""
	}
	return email
}

func (d *Deliverer) canMail() bool {
	if d.mailer == nil {
		return false
	}
	if c, ok := d.mailer.(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}

// HandleJob is registered on the queue for notification jobs.
func (d *Deliverer) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	p, err := jobqueue.NotificationJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("notify: decode payload: %w", err)
	}
	return d.Deliver(ctx, Message{
		UserID:      p.UserID,
		Type:        p.Type,
		Subject:     p.Subject,
		Content:     p.Content,
		ReferenceID: p.ReferenceID,
		Email:       p.Email,
	})
}
