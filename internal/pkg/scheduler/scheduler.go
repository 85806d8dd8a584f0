// Package scheduler runs periodic read-only audits of payment state.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

const (
	DefaultSpec  = "*/15 * * * *"
	defaultBatch = 100
)

// StaleSource lists transactions left in submitted since before a cutoff.
type StaleSource interface {
	ListStaleSubmitted(ctx context.Context, before time.Time, limit int) ([]models.Transaction, error)
}

// Finding is one stale transaction together with what the provider reports.
type Finding struct {
	TransactionID  string
	Provider       string
	ProviderTxID   string
	ProviderStatus string
	Code           gateway.ResultCode
	Settled        bool
	Err            error
}

// Diverged reports whether the provider holds a final answer we never
// received.
func (f Finding) Diverged() bool {
	return f.Err == nil && (f.Settled || f.Code == gateway.ResultDeclined)
}

// StaleAudit compares stale submissions against the provider. It never
// transitions a transaction; only notifications do that.
type StaleAudit struct {
	source   StaleSource
	gateways *gateway.Registry
	after    time.Duration
	limit    int
	now      func() time.Time
}

func NewStaleAudit(source StaleSource, gateways *gateway.Registry, after time.Duration) *StaleAudit {
	if after <= 0 {
		after = 30 * time.Minute
	}
	return &StaleAudit{source: source, gateways: gateways, after: after, limit: defaultBatch, now: time.Now}
}

func (a *StaleAudit) Run(ctx context.Context) ([]Finding, error) {
	txs, err := a.source.ListStaleSubmitted(ctx, a.now().Add(-a.after), a.limit)
	if err != nil {
		return nil, fmt.Errorf("list stale submitted: %w", err)
	}

	findings := make([]Finding, 0, len(txs))
	for i := range txs {
		tx := &txs[i]
		f := Finding{TransactionID: tx.ID, Provider: tx.Provider, ProviderTxID: tx.ProviderTxID()}
		if f.ProviderTxID == "" {
			log.Warnf("[Audit] transaction %s submitted without provider id since %s", tx.ID, tx.UpdatedAt.Format(time.RFC3339))
			findings = append(findings, f)
			continue
		}
		adapter, err := a.gateways.Get(tx.Provider)
		if err != nil {
			f.Err = err
			findings = append(findings, f)
			continue
		}
		details, err := adapter.FetchTransaction(ctx, f.ProviderTxID)
		if err != nil {
			f.Err = err
			log.Warnf("[Audit] lookup %s/%s failed: %v", tx.Provider, f.ProviderTxID, err)
			findings = append(findings, f)
			continue
		}
		f.ProviderStatus, f.Code, f.Settled = details.Status, details.Code, details.Settled
		if f.Diverged() {
			log.Errorf("[Audit] transaction %s is submitted locally but %s reports %q; notification missing", tx.ID, tx.Provider, details.Status)
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// Scheduler owns the cron runner for the audits.
type Scheduler struct {
	cron  *cron.Cron
	audit *StaleAudit
	spec  string
}

func New(audit *StaleAudit, spec string) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{cron: cron.New(cron.WithLocation(time.UTC)), audit: audit, spec: spec}
}

func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		findings, err := s.audit.Run(ctx)
		if err != nil {
			log.Errorf("[Audit] stale submission audit failed: %v", err)
			return
		}
		diverged := 0
		for _, f := range findings {
			if f.Diverged() {
				diverged++
			}
		}
		log.Infof("[Audit] checked %d stale submissions, %d diverged", len(findings), diverged)
	})
	if err != nil {
		return fmt.Errorf("schedule audit %q: %w", s.spec, err)
	}
	s.cron.Start()
	log.Infof("[Audit] Scheduler started (%s)", s.spec)
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("[Audit] Scheduler stopped")
}
