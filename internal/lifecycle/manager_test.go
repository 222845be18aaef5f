package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
	"github.com/clinisafe/compliance-engine/internal/engine"
)

type memoryAlertStore struct {
	alerts   map[string]*database.Alert
	dedupErr error
}

func newMemoryAlertStore() *memoryAlertStore {
	return &memoryAlertStore{alerts: make(map[string]*database.Alert)}
}

func (s *memoryAlertStore) Create(ctx context.Context, alert *database.Alert) error {
	s.alerts[alert.ID] = alert
	return nil
}

func (s *memoryAlertStore) GetByID(ctx context.Context, id string) (*database.Alert, error) {
	alert, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, database.ErrNotFound)
	}
	clone := *alert
	return &clone, nil
}

func (s *memoryAlertStore) Update(ctx context.Context, alert *database.Alert) error {
	if _, ok := s.alerts[alert.ID]; !ok {
		return fmt.Errorf("alert %s: %w", alert.ID, database.ErrNotFound)
	}
	s.alerts[alert.ID] = alert
	return nil
}

func (s *memoryAlertStore) FindOpenForDedup(ctx context.Context, ruleID string, patientID *string, since time.Time) (*database.Alert, error) {
	if s.dedupErr != nil {
		return nil, s.dedupErr
	}
	for _, alert := range s.alerts {
		if alert.RuleID != ruleID {
			continue
		}
		if alert.Status != database.StatusNew && alert.Status != database.StatusInProgress {
			continue
		}
		if alert.CreatedAt.Before(since) {
			continue
		}
		if (alert.PatientID == nil) != (patientID == nil) {
			continue
		}
		if patientID != nil && *alert.PatientID != *patientID {
			continue
		}
		return alert, nil
	}
	// The real repository reports a dedup miss as ErrNotFound, not as a
	// nil alert.
	return nil, fmt.Errorf("open alert for rule %s: %w", ruleID, database.ErrNotFound)
}

func (s *memoryAlertStore) AbsorbDuplicate(ctx context.Context, id string, severity int) (*database.Alert, error) {
	alert, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, database.ErrNotFound)
	}
	alert.ImpactedCount++
	if severity > alert.Severity {
		alert.Severity = severity
	}
	return alert, nil
}

type fakeAudit struct {
	entries []*database.AuditEntry
}

func (f *fakeAudit) Record(ctx context.Context, entry *database.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeDispatcher struct {
	dispatched []*database.Alert
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, alert *database.Alert) error {
	f.dispatched = append(f.dispatched, alert)
	return nil
}

type fakePublisher struct {
	raised    []*database.Alert
	escalated []*database.Alert
}

func (f *fakePublisher) AlertRaised(alert *database.Alert)    { f.raised = append(f.raised, alert) }
func (f *fakePublisher) AlertEscalated(alert *database.Alert) { f.escalated = append(f.escalated, alert) }

func newTestManager() (*Manager, *memoryAlertStore, *fakeAudit, *fakeDispatcher, *fakePublisher) {
	store := newMemoryAlertStore()
	auditSink := &fakeAudit{}
	dispatcher := &fakeDispatcher{}
	publisher := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr := NewManager(config.LifecycleConfig{QueueSize: 16, WorkerCount: 1}, store, auditSink, dispatcher, logger)
	mgr.AddPublisher(publisher)
	return mgr, store, auditSink, dispatcher, publisher
}

func testCandidate(patientID string) engine.Candidate {
	var pid *string
	if patientID != "" {
		pid = &patientID
	}
	return engine.Candidate{
		RuleID:        "rule-1",
		RuleVersion:   1,
		AlertTypeCode: "MEDICAL_THRESHOLD_EXCEEDED",
		Regime:        database.RegimeGeneral,
		EventKey:      "measurement.recorded.glycemia",
		PatientID:     pid,
		ActorID:       "dr-house",
		Severity:      3,
		Title:         "Glycemia out of range",
		Message:       "Value outside acceptable range",
		Details:       map[string]interface{}{"value": 120.0},
		Action:        database.ActionNotify,
		WindowMinutes: 60,
	}
}

func TestRaiseCreatesAlert(t *testing.T) {
	mgr, store, auditSink, dispatcher, publisher := newTestManager()

	alert, err := mgr.Raise(context.Background(), testCandidate("patient-1"))
	require.NoError(t, err)
	require.NotNil(t, alert)

	assert.Equal(t, database.StatusNew, alert.Status)
	assert.Equal(t, 1, alert.ImpactedCount)
	assert.Equal(t, "rule-1", alert.RuleID)
	assert.Len(t, store.alerts, 1)

	// Creation is audited and linked to the alert.
	require.Len(t, auditSink.entries, 1)
	assert.Equal(t, database.AuditDetection, auditSink.entries[0].Action)
	require.NotNil(t, auditSink.entries[0].AlertID)
	assert.Equal(t, alert.ID, *auditSink.entries[0].AlertID)

	require.Len(t, dispatcher.dispatched, 1)
	require.Len(t, publisher.raised, 1)
}

func TestRaiseAbsorbsDuplicate(t *testing.T) {
	mgr, store, _, dispatcher, publisher := newTestManager()
	ctx := context.Background()

	first, err := mgr.Raise(ctx, testCandidate("patient-1"))
	require.NoError(t, err)

	duplicate := testCandidate("patient-1")
	duplicate.Severity = 5
	absorbed, err := mgr.Raise(ctx, duplicate)
	require.NoError(t, err)

	assert.Equal(t, first.ID, absorbed.ID)
	assert.Equal(t, 2, absorbed.ImpactedCount)
	assert.Equal(t, 5, absorbed.Severity, "severity lifts to the maximum seen")
	assert.Len(t, store.alerts, 1, "no second alert row")

	// Only the original raise dispatched notifications.
	assert.Len(t, dispatcher.dispatched, 1)
	assert.Len(t, publisher.raised, 1)
}

func TestRaiseFirstAlertOnDedupMiss(t *testing.T) {
	mgr, store, _, _, _ := newTestManager()

	// No open duplicate exists, so the store reports ErrNotFound; the
	// first raise must still create the alert.
	alert, err := mgr.Raise(context.Background(), testCandidate("patient-1"))
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Len(t, store.alerts, 1)
}

func TestRaiseStoreFailurePropagates(t *testing.T) {
	mgr, store, _, _, _ := newTestManager()
	store.dedupErr = errors.New("connection refused")

	_, err := mgr.Raise(context.Background(), testCandidate("patient-1"))
	require.Error(t, err)
	assert.Empty(t, store.alerts)
}

func TestRaiseSeparatePatientsSeparateAlerts(t *testing.T) {
	mgr, store, _, _, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Raise(ctx, testCandidate("patient-1"))
	require.NoError(t, err)
	_, err = mgr.Raise(ctx, testCandidate("patient-2"))
	require.NoError(t, err)

	assert.Len(t, store.alerts, 2)
}

func TestTransitionResolveStampsResolution(t *testing.T) {
	mgr, _, auditSink, _, _ := newTestManager()
	ctx := context.Background()

	alert, err := mgr.Raise(ctx, testCandidate("patient-1"))
	require.NoError(t, err)

	resolved, err := mgr.Transition(ctx, alert.ID, database.StatusResolved, "dpo-1", "false positive")
	require.NoError(t, err)
	assert.Equal(t, database.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "dpo-1", *resolved.ResolvedBy)

	// Creation plus transition on the trail.
	assert.Len(t, auditSink.entries, 2)

	// Closing keeps the resolution stamp.
	closed, err := mgr.Transition(ctx, alert.ID, database.StatusClosed, "dpo-1", "")
	require.NoError(t, err)
	assert.NotNil(t, closed.ResolvedAt)
}

func TestTransitionEscalateRedispatches(t *testing.T) {
	mgr, _, _, dispatcher, publisher := newTestManager()
	ctx := context.Background()

	alert, err := mgr.Raise(ctx, testCandidate("patient-1"))
	require.NoError(t, err)

	escalated, err := mgr.Transition(ctx, alert.ID, database.StatusEscalated, "operator-1", "needs DPO review")
	require.NoError(t, err)
	assert.Equal(t, database.StatusEscalated, escalated.Status)
	assert.GreaterOrEqual(t, escalated.Severity, 4)

	assert.Len(t, dispatcher.dispatched, 2, "escalation re-dispatches notifications")
	assert.Len(t, publisher.escalated, 1)
}

func TestTransitionInvalid(t *testing.T) {
	mgr, _, _, _, _ := newTestManager()
	ctx := context.Background()

	alert, err := mgr.Raise(ctx, testCandidate("patient-1"))
	require.NoError(t, err)

	_, err = mgr.Transition(ctx, alert.ID, database.StatusClosed, "operator-1", "")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, database.StatusNew, invalid.From)

	current, err := mgr.Transition(ctx, alert.ID, database.StatusResolved, "operator-1", "")
	require.NoError(t, err)

	_, err = mgr.Transition(ctx, current.ID, database.StatusEscalated, "operator-1", "")
	require.ErrorAs(t, err, &invalid)
}

func TestTransitionUnknownAlert(t *testing.T) {
	mgr, _, _, _, _ := newTestManager()

	_, err := mgr.Transition(context.Background(), "missing", database.StatusResolved, "operator-1", "")
	require.ErrorIs(t, err, database.ErrNotFound)
}

type countingObserver struct {
	raised      int
	absorbed    int
	transitions map[string]int
}

func (o *countingObserver) ObserveAlertRaised(regime string, severity int) { o.raised++ }
func (o *countingObserver) ObserveDuplicateAbsorbed()                      { o.absorbed++ }
func (o *countingObserver) ObserveTransition(toStatus string) {
	if o.transitions == nil {
		o.transitions = make(map[string]int)
	}
	o.transitions[toStatus]++
}

func TestObserverCounts(t *testing.T) {
	mgr, _, _, _, _ := newTestManager()
	obs := &countingObserver{}
	mgr.SetObserver(obs)
	ctx := context.Background()

	alert, err := mgr.Raise(ctx, testCandidate("patient-1"))
	require.NoError(t, err)
	_, err = mgr.Raise(ctx, testCandidate("patient-1"))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, alert.ID, database.StatusResolved, "dpo-1", "")
	require.NoError(t, err)

	assert.Equal(t, 1, obs.raised)
	assert.Equal(t, 1, obs.absorbed)
	assert.Equal(t, 1, obs.transitions[database.StatusResolved])
}

func TestEnqueueWorkers(t *testing.T) {
	mgr, store, _, _, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	mgr.Enqueue(testCandidate("patient-9"))

	require.Eventually(t, func() bool {
		return len(store.alerts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mgr.Stop()
}
