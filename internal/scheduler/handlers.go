package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
	"github.com/clinisafe/compliance-engine/internal/engine"
)

// Task names.
const (
	TaskSurveillance       = "surveillance_scan"
	TaskRetrySweep         = "notification_retry_sweep"
	TaskDeadlineEscalation = "deadline_escalation"
)

// AccessAggregator is the audit trail aggregation surface the
// surveillance scan reads.
type AccessAggregator interface {
	CountByActorSince(ctx context.Context, action string, since time.Time, minCount int) ([]*database.ActorCount, error)
	StaleConsentSubjects(ctx context.Context, before time.Time) ([]string, error)
}

// RuleFinder resolves the active rule for an event key.
type RuleFinder interface {
	Find(eventKey string) (*engine.CompiledRule, bool)
}

// SurveillanceHandler is the periodic compliance sweep: it flags
// accounts consulting an abnormal number of records and patients whose
// consent has lapsed. Violations found here go through the same raise
// path as inline detections.
type SurveillanceHandler struct {
	logger *slog.Logger
	cfg    config.SchedulerConfig
	audit  AccessAggregator
	rules  RuleFinder
	raiser engine.Raiser
}

func NewSurveillanceHandler(
	cfg config.SchedulerConfig,
	audit AccessAggregator,
	rules RuleFinder,
	raiser engine.Raiser,
	logger *slog.Logger,
) *SurveillanceHandler {
	return &SurveillanceHandler{
		logger: logger,
		cfg:    cfg,
		audit:  audit,
		rules:  rules,
		raiser: raiser,
	}
}

func (h *SurveillanceHandler) Name() string { return TaskSurveillance }

func (h *SurveillanceHandler) Execute(ctx context.Context) error {
	if err := h.scanExcessiveAccess(ctx); err != nil {
		return err
	}
	return h.scanStaleConsents(ctx)
}

func (h *SurveillanceHandler) scanExcessiveAccess(ctx context.Context) error {
	rule, ok := h.rules.Find(engine.EventRecordAccessed)
	if !ok {
		h.logger.Warn("No active rule for excessive access scan", "event_key", engine.EventRecordAccessed)
		return nil
	}
	limit := h.cfg.ExcessiveAccessPerHour
	if rule.Rule.MinCount != nil {
		limit = *rule.Rule.MinCount
	}
	windowHours := h.cfg.SurveillanceWindowHours
	if windowHours <= 0 {
		windowHours = 1
	}
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	actors, err := h.audit.CountByActorSince(ctx, database.AuditRead, since, limit)
	if err != nil {
		return fmt.Errorf("excessive access scan failed: %w", err)
	}
	for _, ac := range actors {
		h.raiser.Enqueue(engine.Candidate{
			RuleID:          rule.Rule.ID,
			RuleVersion:     rule.Rule.Version,
			AlertTypeCode:   rule.Rule.AlertTypeCode,
			Regime:          rule.Rule.Regime,
			EventKey:        rule.Rule.EventKey,
			ActorID:         ac.Actor,
			Severity:        rule.Rule.Severity,
			Title:           "Excessive record consultation",
			Message:         fmt.Sprintf("Account %s consulted %d records in the last %dh (limit %d)", ac.Actor, ac.Count, windowHours, limit),
			Details:         map[string]interface{}{"actor": ac.Actor, "count": ac.Count, "limit": limit, "window_hours": windowHours},
			Action:          rule.Rule.Action,
			NotifyOperator:  rule.Rule.NotifyOperator,
			NotifyDPO:       rule.Rule.NotifyDPO,
			NotifyRegulator: rule.Rule.NotifyRegulator,
			WindowMinutes:   windowHours * 60,
		})
	}
	if len(actors) > 0 {
		h.logger.Info("Excessive access scan flagged accounts", "count", len(actors))
	}
	return nil
}

func (h *SurveillanceHandler) scanStaleConsents(ctx context.Context) error {
	rule, ok := h.rules.Find("consent.expired")
	if !ok {
		h.logger.Warn("No active rule for consent expiry scan", "event_key", "consent.expired")
		return nil
	}
	maxAge := h.cfg.ConsentMaxAgeDays
	if maxAge <= 0 {
		maxAge = 365
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAge)

	subjects, err := h.audit.StaleConsentSubjects(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stale consent scan failed: %w", err)
	}
	for _, subject := range subjects {
		patientID := subject
		h.raiser.Enqueue(engine.Candidate{
			RuleID:          rule.Rule.ID,
			RuleVersion:     rule.Rule.Version,
			AlertTypeCode:   rule.Rule.AlertTypeCode,
			Regime:          rule.Rule.Regime,
			EventKey:        rule.Rule.EventKey,
			PatientID:       &patientID,
			ActorID:         "system",
			Severity:        rule.Rule.Severity,
			Title:           "Consent validity expired",
			Message:         fmt.Sprintf("Consent for patient %s is older than %d days", subject, maxAge),
			Details:         map[string]interface{}{"patient_id": subject, "max_age_days": maxAge},
			Action:          rule.Rule.Action,
			NotifyOperator:  rule.Rule.NotifyOperator,
			NotifyDPO:       rule.Rule.NotifyDPO,
			NotifyRegulator: rule.Rule.NotifyRegulator,
			WindowMinutes:   24 * 60,
		})
	}
	if len(subjects) > 0 {
		h.logger.Info("Consent expiry scan flagged patients", "count", len(subjects))
	}
	return nil
}

// Nudger wakes the notification delivery poller.
type Nudger interface {
	Nudge()
}

// RetrySweepHandler kicks the notification poller and reports rows that
// exhausted their delivery attempts.
type RetrySweepHandler struct {
	logger        *slog.Logger
	notifications *database.NotificationRepository
	nudger        Nudger
}

func NewRetrySweepHandler(notifications *database.NotificationRepository, nudger Nudger, logger *slog.Logger) *RetrySweepHandler {
	return &RetrySweepHandler{logger: logger, notifications: notifications, nudger: nudger}
}

func (h *RetrySweepHandler) Name() string { return TaskRetrySweep }

func (h *RetrySweepHandler) Execute(ctx context.Context) error {
	h.nudger.Nudge()

	failed, err := h.notifications.ListFailed(ctx, 100)
	if err != nil {
		return fmt.Errorf("failed notification sweep failed: %w", err)
	}
	if len(failed) > 0 {
		h.logger.Warn("Notifications in terminal FAILED state", "count", len(failed))
	}
	return nil
}

// Transitioner moves alerts through their status graph.
type Transitioner interface {
	Transition(ctx context.Context, alertID, newStatus, actor, note string) (*database.Alert, error)
}

// OverdueLister finds open alerts past their response deadline.
type OverdueLister interface {
	ListOverdue(ctx context.Context, grace time.Duration) ([]*database.Alert, error)
}

// DeadlineEscalationHandler escalates alerts still open past the
// response deadline of their alert type.
type DeadlineEscalationHandler struct {
	logger    *slog.Logger
	cfg       config.SchedulerConfig
	alerts    OverdueLister
	lifecycle Transitioner
}

func NewDeadlineEscalationHandler(
	cfg config.SchedulerConfig,
	alerts OverdueLister,
	lifecycle Transitioner,
	logger *slog.Logger,
) *DeadlineEscalationHandler {
	return &DeadlineEscalationHandler{logger: logger, cfg: cfg, alerts: alerts, lifecycle: lifecycle}
}

func (h *DeadlineEscalationHandler) Name() string { return TaskDeadlineEscalation }

func (h *DeadlineEscalationHandler) Execute(ctx context.Context) error {
	grace := time.Duration(h.cfg.DeadlineGraceMinutes) * time.Minute
	overdue, err := h.alerts.ListOverdue(ctx, grace)
	if err != nil {
		return fmt.Errorf("overdue alert scan failed: %w", err)
	}
	for _, alert := range overdue {
		if _, err := h.lifecycle.Transition(ctx, alert.ID, database.StatusEscalated, "system", "response deadline exceeded"); err != nil {
			h.logger.Error("Failed to escalate overdue alert", "alert_id", alert.ID, "error", err)
			continue
		}
		h.logger.Info("Escalated overdue alert", "alert_id", alert.ID, "type_code", alert.TypeCode)
	}
	return nil
}
