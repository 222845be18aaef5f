package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
)

type memoryStore struct {
	mu            sync.Mutex
	created       []*database.Notification
	sent          []string
	failed        map[string]string
	attempts      map[string]int
	createErrTier string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		failed:   make(map[string]string),
		attempts: make(map[string]int),
	}
}

func (s *memoryStore) Create(ctx context.Context, n *database.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErrTier != "" && n.Tier == s.createErrTier {
		return errors.New("insert failed")
	}
	s.created = append(s.created, n)
	return nil
}

func (s *memoryStore) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, id)
	return nil
}

func (s *memoryStore) RecordAttempt(ctx context.Context, id string, attemptErr string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id]++
	return nil
}

func (s *memoryStore) MarkFailed(ctx context.Context, id string, attemptErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = attemptErr
	return nil
}

func (s *memoryStore) ListDue(ctx context.Context, limit int) ([]*database.Notification, error) {
	return nil, nil
}

func (s *memoryStore) byTier(tier string) []*database.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Notification
	for _, n := range s.created {
		if n.Tier == tier {
			out = append(out, n)
		}
	}
	return out
}

// fakeMarker reports "first" only on the first call per alert.
type fakeMarker struct {
	marked  map[string]bool
	cleared int
}

func (f *fakeMarker) MarkRegulatorNotified(ctx context.Context, alertID string) (bool, error) {
	if f.marked == nil {
		f.marked = make(map[string]bool)
	}
	if f.marked[alertID] {
		return false, nil
	}
	f.marked[alertID] = true
	return true, nil
}

func (f *fakeMarker) ClearRegulatorNotified(ctx context.Context, alertID string) error {
	delete(f.marked, alertID)
	f.cleared++
	return nil
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(ctx context.Context, n *database.Notification) error {
	s.calls++
	return s.err
}

func testConfig() config.NotificationsConfig {
	return config.NotificationsConfig{
		QueueSize:      16,
		WorkerCount:    1,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		Recipients: config.Recipients{
			Operators: []config.Recipient{
				{Name: "ops oncall", Channel: ChannelInternal, Address: "ops-oncall"},
			},
			DPO: []config.Recipient{
				{Name: "dpo", Channel: ChannelEmail, Address: "dpo@example.org"},
			},
			Regulator: []config.Recipient{
				{Name: "regulator", Channel: ChannelWebhook, Address: "https://regulator.example.org/report"},
			},
		},
	}
}

func newTestNotificationManager() (*Manager, *memoryStore) {
	store := newMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(testConfig(), store, &fakeMarker{}, logger), store
}

func testAlert(severity int) *database.Alert {
	return &database.Alert{
		ID:       "alert-1",
		TypeCode: "HIPAA_UNAUTHORIZED_PHI_ACCESS",
		Regime:   database.RegimeHealthPrivacy,
		Title:    "Unauthorized record access",
		Severity: severity,
		Status:   database.StatusNew,
	}
}

func TestDispatchBelowThresholdSkips(t *testing.T) {
	mgr, store := newTestNotificationManager()

	require.NoError(t, mgr.Dispatch(context.Background(), testAlert(2)))
	assert.Empty(t, store.created)
}

func TestDispatchTierFanOut(t *testing.T) {
	tests := []struct {
		severity  int
		operator  int
		dpo       int
		regulator int
	}{
		{severity: 3, operator: 1, dpo: 0, regulator: 0},
		{severity: 4, operator: 1, dpo: 1, regulator: 0},
		{severity: 5, operator: 1, dpo: 1, regulator: 1},
	}
	for _, tt := range tests {
		mgr, store := newTestNotificationManager()

		require.NoError(t, mgr.Dispatch(context.Background(), testAlert(tt.severity)))
		assert.Len(t, store.byTier(database.TierOperator), tt.operator, "severity %d", tt.severity)
		assert.Len(t, store.byTier(database.TierDPO), tt.dpo, "severity %d", tt.severity)
		assert.Len(t, store.byTier(database.TierRegulator), tt.regulator, "severity %d", tt.severity)
	}
}

func TestDispatchRowsStartPending(t *testing.T) {
	mgr, store := newTestNotificationManager()

	require.NoError(t, mgr.Dispatch(context.Background(), testAlert(5)))
	for _, n := range store.created {
		assert.Equal(t, database.NotificationPending, n.Status)
		assert.Equal(t, "alert-1", n.AlertID)
		assert.Equal(t, 3, n.MaxAttempts)
		assert.NotNil(t, n.NextAttemptAt)
		assert.Contains(t, n.Subject, "Unauthorized record access")
	}
}

func TestDispatchRegulatorExactlyOnce(t *testing.T) {
	mgr, store := newTestNotificationManager()
	ctx := context.Background()

	require.NoError(t, mgr.Dispatch(ctx, testAlert(5)))
	require.NoError(t, mgr.Dispatch(ctx, testAlert(5)))

	// Operators and DPO fan out each time, the regulator only once.
	assert.Len(t, store.byTier(database.TierOperator), 2)
	assert.Len(t, store.byTier(database.TierDPO), 2)
	assert.Len(t, store.byTier(database.TierRegulator), 1)
}

func TestDispatchRegulatorMarkerError(t *testing.T) {
	store := newMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(testConfig(), store, failingMarker{}, logger)

	err := mgr.Dispatch(context.Background(), testAlert(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regulator flag")
	// The lower tiers still got their rows.
	assert.Len(t, store.byTier(database.TierOperator), 1)
	assert.Len(t, store.byTier(database.TierDPO), 1)
}

type failingMarker struct{}

func (failingMarker) MarkRegulatorNotified(ctx context.Context, alertID string) (bool, error) {
	return false, errors.New("db down")
}

func (failingMarker) ClearRegulatorNotified(ctx context.Context, alertID string) error {
	return nil
}

func TestDispatchRegulatorFlagReleasedOnFailure(t *testing.T) {
	store := newMemoryStore()
	store.createErrTier = database.TierRegulator
	marker := &fakeMarker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(testConfig(), store, marker, logger)
	ctx := context.Background()

	// The regulator rows cannot be written, so the one-shot flag must
	// be released rather than swallow the disclosure.
	require.Error(t, mgr.Dispatch(ctx, testAlert(5)))
	assert.Equal(t, 1, marker.cleared)
	assert.Empty(t, store.byTier(database.TierRegulator))

	// Once the store recovers, a re-dispatch queues the disclosure.
	store.createErrTier = ""
	require.NoError(t, mgr.Dispatch(ctx, testAlert(5)))
	assert.Len(t, store.byTier(database.TierRegulator), 1)
}

func TestDeliverSuccess(t *testing.T) {
	mgr, store := newTestNotificationManager()
	sender := &stubSender{}
	mgr.SetSender(ChannelEmail, sender)

	n := &database.Notification{ID: "n-1", AlertID: "alert-1", Channel: ChannelEmail, MaxAttempts: 3}
	mgr.deliver(context.Background(), n)

	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, []string{"n-1"}, store.sent)
	assert.Empty(t, store.failed)
}

func TestDeliverRetriesThenFails(t *testing.T) {
	mgr, store := newTestNotificationManager()
	sender := &stubSender{err: errors.New("smtp timeout")}
	mgr.SetSender(ChannelEmail, sender)
	ctx := context.Background()

	n := &database.Notification{ID: "n-1", AlertID: "alert-1", Channel: ChannelEmail, MaxAttempts: 3}

	// First two failures schedule retries.
	mgr.deliver(ctx, n)
	n.Attempts = 1
	mgr.deliver(ctx, n)
	assert.Equal(t, 2, store.attempts["n-1"])
	assert.Empty(t, store.failed)

	// The attempt that reaches max_attempts marks the row failed.
	n.Attempts = 2
	mgr.deliver(ctx, n)
	assert.Equal(t, "smtp timeout", store.failed["n-1"])
	assert.Empty(t, store.sent)
}

type countingObserver struct {
	outcomes map[string]int
}

func (o *countingObserver) ObserveNotification(channel, status string) {
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[channel+"/"+status]++
}

func TestDeliverObserverOutcomes(t *testing.T) {
	mgr, _ := newTestNotificationManager()
	obs := &countingObserver{}
	mgr.SetObserver(obs)
	ctx := context.Background()

	mgr.SetSender(ChannelEmail, &stubSender{})
	mgr.deliver(ctx, &database.Notification{ID: "n-1", Channel: ChannelEmail, MaxAttempts: 3})

	mgr.SetSender(ChannelSMS, &stubSender{err: errors.New("timeout")})
	mgr.deliver(ctx, &database.Notification{ID: "n-2", Channel: ChannelSMS, MaxAttempts: 3})
	mgr.deliver(ctx, &database.Notification{ID: "n-3", Channel: ChannelSMS, Attempts: 2, MaxAttempts: 3})

	assert.Equal(t, 1, obs.outcomes[ChannelEmail+"/"+database.NotificationSent])
	assert.Equal(t, 1, obs.outcomes[ChannelSMS+"/RETRY"])
	assert.Equal(t, 1, obs.outcomes[ChannelSMS+"/"+database.NotificationFailed])
}

func TestDeliverUnknownChannel(t *testing.T) {
	mgr, store := newTestNotificationManager()

	n := &database.Notification{ID: "n-1", AlertID: "alert-1", Channel: "CARRIER_PIGEON", MaxAttempts: 3}
	mgr.deliver(context.Background(), n)

	assert.Contains(t, store.failed["n-1"], "unknown channel")
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	mgr, _ := newTestNotificationManager()

	first := mgr.backoff(1)
	assert.GreaterOrEqual(t, first, time.Second)
	assert.Less(t, first, 2*time.Second)

	third := mgr.backoff(3)
	assert.GreaterOrEqual(t, third, 4*time.Second)

	// Far past the cap the delay stays at retry_max_delay plus jitter.
	capped := mgr.backoff(30)
	assert.GreaterOrEqual(t, capped, time.Minute)
	assert.LessOrEqual(t, capped, time.Minute+time.Minute/5)
}

func TestRenderMessageRegulatorDisclosure(t *testing.T) {
	alert := testAlert(5)
	subject, body := renderMessage(alert, database.TierRegulator)
	assert.Contains(t, subject, "[CRITICAL]")
	assert.Contains(t, body, "regulatory disclosure")

	_, operatorBody := renderMessage(alert, database.TierOperator)
	assert.NotContains(t, operatorBody, "regulatory disclosure")
}
