package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
)

// Store is the append-only persistence surface for audit entries.
type Store interface {
	Insert(ctx context.Context, entry *database.AuditEntry) error
}

// Observer receives write counters. Optional.
type Observer interface {
	ObserveAuditWrite(result string)
}

// Recorder writes the audit trail. Writes are synchronous on the
// calling path and retried a bounded number of times; a final failure
// propagates to the caller so the triggering operation fails rather
// than proceed unaudited.
type Recorder struct {
	logger   *slog.Logger
	cfg      config.AuditConfig
	store    Store
	observer Observer
}

func NewRecorder(cfg config.AuditConfig, store Store, logger *slog.Logger) *Recorder {
	return &Recorder{logger: logger, cfg: cfg, store: store}
}

// SetObserver registers the metrics observer.
func (r *Recorder) SetObserver(o Observer) {
	r.observer = o
}

func (r *Recorder) observe(result string) {
	if r.observer != nil {
		r.observer.ObserveAuditWrite(result)
	}
}

// Record persists one audit entry, filling in identity and timestamp.
func (r *Recorder) Record(ctx context.Context, entry *database.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	retries := r.cfg.WriteRetries
	if retries < 0 {
		retries = 0
	}
	delay := r.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		lastErr = r.store.Insert(ctx, entry)
		if lastErr == nil {
			r.observe("success")
			return nil
		}
		r.logger.Warn("Audit write failed",
			"attempt", attempt+1,
			"action", entry.Action,
			"actor", entry.Actor,
			"error", lastErr)
	}
	r.observe("failure")
	return fmt.Errorf("audit write failed after %d attempts: %w", retries+1, lastErr)
}
