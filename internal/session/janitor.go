// Package session expires idle sessions and removes documents whose ingestion never committed.
// Sessions are caller-managed unless a TTL is configured.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/pkg/utils"
)

const defaultPendingGrace = 30 * time.Minute

// Lister finds sweep candidates.
type Lister interface {
	IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	StalePending(ctx context.Context, cutoff time.Time) ([]*models.Document, error)
}

// Remover deletes stored data.
type Remover interface {
	DeleteSession(ctx context.Context, session string) (int, error)
	DeleteDocument(ctx context.Context, session, documentID string) error
}

// Janitor periodically sweeps expired sessions and abandoned pending documents.
type Janitor struct {
	lister       Lister
	remover      Remover
	ttl          time.Duration
	interval     time.Duration
	pendingGrace time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithPendingGrace sets how long a document may stay pending before it is removed.
func WithPendingGrace(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.pendingGrace = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a janitor. A zero ttl disables session expiry; stale pending
// documents are still removed.
func NewJanitor(lister Lister, remover Remover, ttl, interval time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		lister:       lister,
		remover:      remover,
		ttl:          ttl,
		interval:     interval,
		pendingGrace: defaultPendingGrace,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = utils.OrNop(j.logger)
	return j
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Sessions int
	Pending  int
}

// Sweep runs one pass. It keeps going past individual failures and returns them joined.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	now := j.now()

	if j.ttl > 0 {
		idle, err := j.lister.IdleSessions(ctx, now.Add(-j.ttl))
		if err != nil {
			errs = append(errs, err)
		}
		for _, s := range idle {
			n, err := j.remover.DeleteSession(ctx, s)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			res.Sessions++
			j.logger.Info("session expired", zap.String("session_id", s), zap.Int("documents", n))
		}
	}

	stale, err := j.lister.StalePending(ctx, now.Add(-j.pendingGrace))
	if err != nil {
		errs = append(errs, err)
	}
	for _, doc := range stale {
		err := j.remover.DeleteDocument(ctx, doc.SessionID, doc.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		res.Pending++
		j.logger.Info("removed abandoned document",
			zap.String("session_id", doc.SessionID),
			zap.String("document_id", doc.ID),
			zap.Time("created_at", doc.CreatedAt),
		)
	}
	return res, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("session sweep", zap.Error(err))
			}
		}
	}
}
