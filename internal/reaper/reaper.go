// Package reaper deletes temporary copies that were never released, for
// example because the process died mid-batch.
package reaper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"certmailer/internal/docstore"
	"certmailer/internal/models"
)

const (
	DefaultInterval = 15 * time.Minute
	DefaultAge      = time.Hour
)

type Ledger interface {
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.TempDocument, error)
	Forget(ctx context.Context, remoteID string) error
}

type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Result counts what one sweep did.
type Result struct {
	Deleted int
	Failed  int
}

type Reaper struct {
	store   Deleter
	ledger  Ledger
	age     time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a reaper that removes ledger entries older than age, bounding
// each remote delete by timeout. Age must comfortably exceed the time one
// recipient takes, or copies still in use would be deleted.
func New(store Deleter, ledger Ledger, age, timeout time.Duration, logger *zap.Logger) *Reaper {
	if age <= 0 {
		age = DefaultAge
	}
	if timeout <= 0 {
		timeout = docstore.DefaultRemoteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:   store,
		ledger:  ledger,
		age:     age,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("sweep temporary documents", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep deletes every stale copy in the ledger. A copy that is already gone
// remotely counts as deleted. Failed deletes stay in the ledger for the next
// sweep.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	stale, err := r.ledger.ListOlderThan(ctx, r.now().UTC().Add(-r.age))
	if err != nil {
		return res, err
	}
	for _, doc := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := r.delete(ctx, doc.RemoteID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			res.Failed++
			r.logger.Warn("reap temporary document",
				zap.String("document_id", doc.RemoteID),
				zap.String("batch_id", doc.BatchID),
				zap.Error(err))
			continue
		}
		if err := r.ledger.Forget(ctx, doc.RemoteID); err != nil {
			r.logger.Warn("forget reaped document", zap.String("document_id", doc.RemoteID), zap.Error(err))
		}
		res.Deleted++
	}
	if len(stale) > 0 {
		r.logger.Info("reaped temporary documents", zap.Int("deleted", res.Deleted), zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (r *Reaper) delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.Delete(ctx, id)
}
