package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
)

// flakyStore fails the first failures inserts, then succeeds.
type flakyStore struct {
	failures int
	calls    int
	entries  []*database.AuditEntry
}

func (s *flakyStore) Insert(ctx context.Context, entry *database.AuditEntry) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("connection reset")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func newTestRecorder(store Store, retries int) *Recorder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.AuditConfig{WriteRetries: retries, RetryBaseDelay: time.Millisecond}
	return NewRecorder(cfg, store, logger)
}

func TestRecordFillsIdentity(t *testing.T) {
	store := &flakyStore{}
	rec := newTestRecorder(store, 0)

	entry := &database.AuditEntry{
		Actor:      "dr-house",
		Action:     database.AuditRead,
		TargetType: "medical_record",
		TargetID:   "rec-1",
	}
	require.NoError(t, rec.Record(context.Background(), entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	require.Len(t, store.entries, 1)
}

func TestRecordKeepsProvidedIdentity(t *testing.T) {
	store := &flakyStore{}
	rec := newTestRecorder(store, 0)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &database.AuditEntry{ID: "fixed-id", CreatedAt: at, Actor: "system", Action: database.AuditDetection}
	require.NoError(t, rec.Record(context.Background(), entry))

	assert.Equal(t, "fixed-id", entry.ID)
	assert.Equal(t, at, entry.CreatedAt)
}

func TestRecordRetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{failures: 2}
	rec := newTestRecorder(store, 3)

	entry := &database.AuditEntry{Actor: "system", Action: database.AuditDetection, TargetType: "alert", TargetID: "a-1"}
	require.NoError(t, rec.Record(context.Background(), entry))

	assert.Equal(t, 3, store.calls)
	assert.Len(t, store.entries, 1)
}

func TestRecordExhaustedRetriesPropagates(t *testing.T) {
	store := &flakyStore{failures: 100}
	rec := newTestRecorder(store, 2)

	entry := &database.AuditEntry{Actor: "system", Action: database.AuditDetection, TargetType: "alert", TargetID: "a-1"}
	err := rec.Record(context.Background(), entry)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, store.entries)
}

type countingObserver struct {
	results map[string]int
}

func (o *countingObserver) ObserveAuditWrite(result string) {
	if o.results == nil {
		o.results = make(map[string]int)
	}
	o.results[result]++
}

func TestRecordObserverOutcomes(t *testing.T) {
	store := &flakyStore{failures: 1}
	rec := newTestRecorder(store, 1)
	obs := &countingObserver{}
	rec.SetObserver(obs)
	ctx := context.Background()

	entry := &database.AuditEntry{Actor: "system", Action: database.AuditDetection, TargetType: "alert", TargetID: "a-1"}
	require.NoError(t, rec.Record(ctx, entry))
	assert.Equal(t, 1, obs.results["success"])

	store = &flakyStore{failures: 100}
	rec = newTestRecorder(store, 0)
	rec.SetObserver(obs)
	require.Error(t, rec.Record(ctx, &database.AuditEntry{Actor: "system", Action: database.AuditDetection}))
	assert.Equal(t, 1, obs.results["failure"])
}

func TestRecordHonorsContextCancellation(t *testing.T) {
	store := &flakyStore{failures: 100}
	rec := newTestRecorder(store, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entry := &database.AuditEntry{Actor: "system", Action: database.AuditDetection, TargetType: "alert", TargetID: "a-1"}
	err := rec.Record(ctx, entry)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.calls, "no further attempts after cancellation")
}
