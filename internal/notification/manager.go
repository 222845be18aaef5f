package notification

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
)

// Store is the persistence surface the manager needs.
type Store interface {
	Create(ctx context.Context, n *database.Notification) error
	MarkSent(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id string, attemptErr string, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, id string, attemptErr string) error
	ListDue(ctx context.Context, limit int) ([]*database.Notification, error)
}

// RegulatorMarker flips the one-shot regulator flag on an alert. Mark
// returns false when the flag was already set; Clear releases the flag
// when the disclosure could not be queued.
type RegulatorMarker interface {
	MarkRegulatorNotified(ctx context.Context, alertID string) (bool, error)
	ClearRegulatorNotified(ctx context.Context, alertID string) error
}

// Observer receives delivery counters. Optional.
type Observer interface {
	ObserveNotification(channel, status string)
}

// Manager fans alerts out to notification tiers and owns delivery. Rows
// are written PENDING by Dispatch; a worker pool drains due rows and
// retries failures with capped exponential backoff.
type Manager struct {
	logger  *slog.Logger
	cfg     config.NotificationsConfig
	store    Store
	alerts   RegulatorMarker
	senders  map[string]Sender
	observer Observer

	shutdownChan chan struct{}
	nudge        chan struct{}
	wg           sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewManager creates a notification manager with the standard channel
// senders built from configuration.
func NewManager(
	cfg config.NotificationsConfig,
	store Store,
	alerts RegulatorMarker,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		logger: logger,
		cfg:    cfg,
		store:  store,
		alerts: alerts,
		senders: map[string]Sender{
			ChannelEmail:    NewEmailSender(cfg.Email),
			ChannelSMS:      NewSMSSender(cfg.SMS),
			ChannelWebhook:  NewWebhookSender(cfg.Webhook),
			ChannelInternal: NewInternalSender(),
		},
		shutdownChan: make(chan struct{}),
		nudge:        make(chan struct{}, 1),
		inFlight:     make(map[string]bool),
	}
}

// SetSender replaces a channel sender. Not safe to call after Start.
func (m *Manager) SetSender(channel string, sender Sender) {
	m.senders[channel] = sender
}

// SetObserver registers the metrics observer. Not safe to call after
// Start.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

func (m *Manager) observe(channel, status string) {
	if m.observer != nil {
		m.observer.ObserveNotification(channel, status)
	}
}

// Dispatch writes PENDING notification rows for every tier the alert's
// severity requires: severity 3 and up notifies operators, 4 and up
// adds the data protection officer, and 5 adds the regulator. The
// regulator tier fires at most once per alert across repeated
// dispatches.
func (m *Manager) Dispatch(ctx context.Context, alert *database.Alert) error {
	if alert.Severity < 3 {
		return nil
	}

	var errs []string
	if err := m.createTier(ctx, alert, database.TierOperator, m.cfg.Recipients.Operators); err != nil {
		errs = append(errs, err.Error())
	}
	if alert.Severity >= 4 {
		if err := m.createTier(ctx, alert, database.TierDPO, m.cfg.Recipients.DPO); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if alert.Severity >= 5 {
		first, err := m.alerts.MarkRegulatorNotified(ctx, alert.ID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to mark regulator flag: %v", err))
		} else if first {
			if err := m.createTier(ctx, alert, database.TierRegulator, m.cfg.Recipients.Regulator); err != nil {
				// Release the one-shot flag so a later dispatch can
				// still queue the disclosure.
				if clearErr := m.alerts.ClearRegulatorNotified(ctx, alert.ID); clearErr != nil {
					m.logger.Error("Failed to release regulator flag",
						"alert_id", alert.ID, "error", clearErr)
				}
				errs = append(errs, err.Error())
			}
		}
	}

	m.Nudge()

	if len(errs) > 0 {
		return fmt.Errorf("dispatch for alert %s incomplete: %s", alert.ID, strings.Join(errs, "; "))
	}
	return nil
}

func (m *Manager) createTier(ctx context.Context, alert *database.Alert, tier string, recipients []config.Recipient) error {
	if len(recipients) == 0 {
		m.logger.Warn("No recipients configured for tier", "tier", tier, "alert_id", alert.ID)
		return nil
	}
	subject, body := renderMessage(alert, tier)
	now := time.Now().UTC()
	for _, r := range recipients {
		n := &database.Notification{
			ID:            uuid.New().String(),
			AlertID:       alert.ID,
			Tier:          tier,
			Channel:       r.Channel,
			Recipient:     r.Address,
			Subject:       subject,
			Body:          body,
			Status:        database.NotificationPending,
			MaxAttempts:   m.cfg.MaxAttempts,
			NextAttemptAt: &now,
		}
		if err := m.store.Create(ctx, n); err != nil {
			return fmt.Errorf("failed to create %s notification for %s: %w", tier, r.Name, err)
		}
	}
	return nil
}

// Nudge wakes the due-row poller ahead of its interval.
func (m *Manager) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Start launches the delivery workers and the due-row poller.
func (m *Manager) Start(ctx context.Context) {
	workers := m.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan *database.Notification, m.cfg.QueueSize)

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker(ctx, jobs)
	}
	m.wg.Add(1)
	go m.pollRoutine(ctx, jobs)

	m.logger.Info("Notification manager started", "workers", workers)
}

// Stop drains the poller and workers.
func (m *Manager) Stop() {
	close(m.shutdownChan)
	m.wg.Wait()
	m.logger.Info("Notification manager stopped")
}

func (m *Manager) pollRoutine(ctx context.Context, jobs chan<- *database.Notification) {
	defer m.wg.Done()
	defer close(jobs)

	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.nudge:
		}

		due, err := m.store.ListDue(ctx, m.cfg.QueueSize)
		if err != nil {
			m.logger.Error("Failed to list due notifications", "error", err)
			continue
		}
		for _, n := range due {
			if !m.claim(n.ID) {
				continue
			}
			select {
			case jobs <- n:
			case <-m.shutdownChan:
				m.release(n.ID)
				return
			}
		}
	}
}

func (m *Manager) deliveryWorker(ctx context.Context, jobs <-chan *database.Notification) {
	defer m.wg.Done()
	for n := range jobs {
		m.deliver(ctx, n)
		m.release(n.ID)
	}
}

// deliver attempts one send and applies the retry policy: capped
// exponential backoff with jitter until max_attempts, then FAILED.
func (m *Manager) deliver(ctx context.Context, n *database.Notification) {
	sender, ok := m.senders[n.Channel]
	if !ok {
		m.logger.Error("Unknown notification channel", "channel", n.Channel, "notification_id", n.ID)
		if err := m.store.MarkFailed(ctx, n.ID, "unknown channel "+n.Channel); err != nil {
			m.logger.Error("Failed to mark notification failed", "notification_id", n.ID, "error", err)
		}
		m.observe(n.Channel, database.NotificationFailed)
		return
	}

	err := sender.Send(ctx, n)
	if err == nil {
		if err := m.store.MarkSent(ctx, n.ID); err != nil {
			m.logger.Error("Failed to mark notification sent", "notification_id", n.ID, "error", err)
			return
		}
		m.observe(n.Channel, database.NotificationSent)
		m.logger.Info("Notification sent",
			"notification_id", n.ID,
			"alert_id", n.AlertID,
			"tier", n.Tier,
			"channel", n.Channel)
		return
	}

	attempt := n.Attempts + 1
	if attempt >= n.MaxAttempts {
		m.logger.Error("Notification permanently failed",
			"notification_id", n.ID,
			"alert_id", n.AlertID,
			"attempts", attempt,
			"error", err)
		if markErr := m.store.MarkFailed(ctx, n.ID, err.Error()); markErr != nil {
			m.logger.Error("Failed to mark notification failed", "notification_id", n.ID, "error", markErr)
		}
		m.observe(n.Channel, database.NotificationFailed)
		return
	}

	next := time.Now().UTC().Add(m.backoff(attempt))
	m.logger.Warn("Notification delivery failed, will retry",
		"notification_id", n.ID,
		"attempt", attempt,
		"next_attempt_at", next,
		"error", err)
	if recErr := m.store.RecordAttempt(ctx, n.ID, err.Error(), next); recErr != nil {
		m.logger.Error("Failed to record notification attempt", "notification_id", n.ID, "error", recErr)
	}
	m.observe(n.Channel, "RETRY")
}

func (m *Manager) backoff(attempt int) time.Duration {
	base := m.cfg.RetryBaseDelay
	if base <= 0 {
		base = 30 * time.Second
	}
	max := m.cfg.RetryMaxDelay
	if max <= 0 {
		max = 30 * time.Minute
	}
	delay := base << uint(attempt-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5))
	return delay + jitter
}

func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[id] {
		return false
	}
	m.inFlight[id] = true
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.inFlight, id)
	m.mu.Unlock()
}

func renderMessage(alert *database.Alert, tier string) (subject, body string) {
	subject = fmt.Sprintf("[%s] Compliance alert: %s", severityLabel(alert.Severity), alert.Title)
	var b strings.Builder
	fmt.Fprintf(&b, "Alert %s (%s, %s)\n", alert.ID, alert.TypeCode, alert.Regime)
	fmt.Fprintf(&b, "Severity: %d/5\n", alert.Severity)
	fmt.Fprintf(&b, "Status: %s\n", alert.Status)
	if alert.PatientID != nil {
		fmt.Fprintf(&b, "Patient: %s\n", *alert.PatientID)
	}
	if alert.OriginUserID != nil {
		fmt.Fprintf(&b, "Origin user: %s\n", *alert.OriginUserID)
	}
	if alert.ImpactedCount > 1 {
		fmt.Fprintf(&b, "Occurrences: %d\n", alert.ImpactedCount)
	}
	fmt.Fprintf(&b, "\n%s\n", alert.Description)
	if tier == database.TierRegulator {
		fmt.Fprintf(&b, "\nThis notification is a regulatory disclosure for a severity 5 violation.\n")
	}
	return subject, b.String()
}

func severityLabel(severity int) string {
	switch {
	case severity >= 5:
		return "CRITICAL"
	case severity >= 4:
		return "HIGH"
	case severity >= 3:
		return "MEDIUM"
	case severity >= 2:
		return "LOW"
	default:
		return "INFO"
	}
}
