package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
	"github.com/clinisafe/compliance-engine/internal/engine"
)

// AlertStore is the persistence surface the manager needs.
type AlertStore interface {
	Create(ctx context.Context, alert *database.Alert) error
	GetByID(ctx context.Context, id string) (*database.Alert, error)
	Update(ctx context.Context, alert *database.Alert) error
	FindOpenForDedup(ctx context.Context, ruleID string, patientID *string, since time.Time) (*database.Alert, error)
	AbsorbDuplicate(ctx context.Context, id string, severity int) (*database.Alert, error)
}

// Dispatcher fans an alert out to its notification tiers.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *database.Alert) error
}

// Publisher announces alert state changes to interested consumers
// (message bus, websocket stream). Publishing is best effort.
type Publisher interface {
	AlertRaised(alert *database.Alert)
	AlertEscalated(alert *database.Alert)
}

// AuditSink records lifecycle actions on the audit trail.
type AuditSink interface {
	Record(ctx context.Context, entry *database.AuditEntry) error
}

// Observer receives lifecycle counters. Optional.
type Observer interface {
	ObserveAlertRaised(regime string, severity int)
	ObserveDuplicateAbsorbed()
	ObserveTransition(toStatus string)
}

// Manager owns alert creation and status transitions. Candidates arrive
// on a bounded queue and are raised by a small worker pool; the
// per-(rule, subject) lock keeps concurrent duplicates from racing past
// the dedup query.
type Manager struct {
	logger     *slog.Logger
	cfg        config.LifecycleConfig
	store      AlertStore
	audit      AuditSink
	dispatcher Dispatcher
	publishers []Publisher
	observer   Observer

	queue        chan engine.Candidate
	shutdownChan chan struct{}
	wg           sync.WaitGroup

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an alert lifecycle manager.
func NewManager(
	cfg config.LifecycleConfig,
	store AlertStore,
	audit AuditSink,
	dispatcher Dispatcher,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		logger:       logger,
		cfg:          cfg,
		store:        store,
		audit:        audit,
		dispatcher:   dispatcher,
		queue:        make(chan engine.Candidate, cfg.QueueSize),
		shutdownChan: make(chan struct{}),
		locks:        make(map[string]*sync.Mutex),
	}
}

// AddPublisher registers a state-change consumer. Not safe to call
// after Start.
func (m *Manager) AddPublisher(p Publisher) {
	m.publishers = append(m.publishers, p)
}

// SetObserver registers the metrics observer. Not safe to call after
// Start.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Start launches the raise workers.
func (m *Manager) Start(ctx context.Context) {
	workers := m.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.logger.Info("Alert lifecycle manager started", "workers", workers)
}

// Stop drains the workers.
func (m *Manager) Stop() {
	close(m.shutdownChan)
	m.wg.Wait()
	m.logger.Info("Alert lifecycle manager stopped")
}

// Enqueue hands a candidate to the raise workers. When the queue is
// full the candidate is dropped with an error log rather than blocking
// the event path.
func (m *Manager) Enqueue(candidate engine.Candidate) {
	select {
	case m.queue <- candidate:
	default:
		m.logger.Error("Alert queue full, dropping candidate",
			"rule_id", candidate.RuleID,
			"event_key", candidate.EventKey)
	}
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.shutdownChan:
			return
		case <-ctx.Done():
			return
		case candidate := <-m.queue:
			if _, err := m.Raise(ctx, candidate); err != nil {
				m.logger.Error("Failed to raise alert",
					"worker", id,
					"rule_id", candidate.RuleID,
					"error", err)
			}
		}
	}
}

// Raise turns a candidate into an alert, or absorbs it into an open
// duplicate for the same rule and subject. Exactly one alert exists per
// (rule, subject) within the dedup window; duplicates bump the impacted
// count and lift severity to the maximum seen.
func (m *Manager) Raise(ctx context.Context, candidate engine.Candidate) (*database.Alert, error) {
	lock := m.keyedLock(candidate.RuleID, candidate.PatientID)
	lock.Lock()
	defer lock.Unlock()

	window := time.Duration(candidate.WindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	since := time.Now().UTC().Add(-window)

	existing, err := m.store.FindOpenForDedup(ctx, candidate.RuleID, candidate.PatientID, since)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("failed to query open alerts: %w", err)
	}
	if existing != nil {
		absorbed, err := m.store.AbsorbDuplicate(ctx, existing.ID, candidate.Severity)
		if err != nil {
			return nil, fmt.Errorf("failed to absorb duplicate into alert %s: %w", existing.ID, err)
		}
		if m.observer != nil {
			m.observer.ObserveDuplicateAbsorbed()
		}
		m.logger.Debug("Absorbed duplicate violation",
			"alert_id", absorbed.ID,
			"impacted_count", absorbed.ImpactedCount,
			"severity", absorbed.Severity)
		return absorbed, nil
	}

	now := time.Now().UTC()
	alert := &database.Alert{
		ID:            uuid.New().String(),
		TypeCode:      candidate.AlertTypeCode,
		RuleID:        candidate.RuleID,
		RuleVersion:   candidate.RuleVersion,
		Regime:        candidate.Regime,
		PatientID:     candidate.PatientID,
		RecordID:      candidate.RecordID,
		OriginUserID:  optional(candidate.ActorID),
		Title:         candidate.Title,
		Description:   candidate.Message,
		Details:       database.JSONMap(candidate.Details),
		Severity:      candidate.Severity,
		Status:        database.StatusNew,
		ImpactedCount: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	entry := &database.AuditEntry{
		Actor:      "system",
		Action:     database.AuditDetection,
		TargetType: "alert",
		TargetID:   alert.ID,
		AlertID:    &alert.ID,
		After: database.JSONMap{
			"type_code": alert.TypeCode,
			"severity":  alert.Severity,
			"rule_id":   alert.RuleID,
			"status":    alert.Status,
		},
		GDPRRelevant:  alert.Regime == database.RegimeDataProtection,
		HIPAARelevant: alert.Regime == database.RegimeHealthPrivacy,
		CDPRelevant:   alert.Regime == database.RegimeLocalRegulator,
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		m.logger.Error("Failed to audit alert creation", "alert_id", alert.ID, "error", err)
	}

	if m.dispatcher != nil {
		if err := m.dispatcher.Dispatch(ctx, alert); err != nil {
			m.logger.Error("Failed to dispatch notifications", "alert_id", alert.ID, "error", err)
		}
	}
	for _, p := range m.publishers {
		p.AlertRaised(alert)
	}
	if m.observer != nil {
		m.observer.ObserveAlertRaised(alert.Regime, alert.Severity)
	}

	m.logger.Info("Alert raised",
		"alert_id", alert.ID,
		"type_code", alert.TypeCode,
		"severity", alert.Severity,
		"regime", alert.Regime)
	return alert, nil
}

// Transition moves an alert through its status graph. Illegal moves
// return an InvalidTransitionError; every accepted move is audited with
// the before and after state.
func (m *Manager) Transition(ctx context.Context, alertID, newStatus, actor, note string) (*database.Alert, error) {
	alert, err := m.store.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(alert.Status, newStatus); err != nil {
		return nil, err
	}

	before := database.JSONMap{"status": alert.Status}
	now := time.Now().UTC()

	previous := alert.Status
	alert.Status = newStatus
	alert.UpdatedAt = now

	switch newStatus {
	case database.StatusInProgress:
		alert.AssignedTo = optional(actor)
	case database.StatusResolved:
		alert.ResolvedAt = &now
		alert.ResolvedBy = optional(actor)
	case database.StatusEscalated:
		if alert.Severity < 4 {
			alert.Severity = 4
		}
	}
	// CLOSED keeps resolved_at and resolved_by for history.

	if err := m.store.Update(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}

	entry := &database.AuditEntry{
		Actor:      actor,
		Action:     database.AuditWrite,
		TargetType: "alert",
		TargetID:   alert.ID,
		AlertID:    &alert.ID,
		Before:     before,
		After:      database.JSONMap{"status": newStatus, "note": note},
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		m.logger.Error("Failed to audit alert transition", "alert_id", alert.ID, "error", err)
	}

	if newStatus == database.StatusEscalated {
		if m.dispatcher != nil {
			if err := m.dispatcher.Dispatch(ctx, alert); err != nil {
				m.logger.Error("Failed to dispatch escalation notifications", "alert_id", alert.ID, "error", err)
			}
		}
		for _, p := range m.publishers {
			p.AlertEscalated(alert)
		}
	}

	if m.observer != nil {
		m.observer.ObserveTransition(newStatus)
	}

	m.logger.Info("Alert transitioned",
		"alert_id", alert.ID,
		"from", previous,
		"to", newStatus,
		"actor", actor)
	return alert, nil
}

// keyedLock returns the mutex serializing raises for one (rule,
// subject) pair.
func (m *Manager) keyedLock(ruleID string, patientID *string) *sync.Mutex {
	key := ruleID
	if patientID != nil {
		key += "|" + *patientID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
