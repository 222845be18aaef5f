package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clinisafe/compliance-engine/internal/database"
)

// AuditSink receives the audit entry for every processed event. The
// write must succeed before the event is considered handled.
type AuditSink interface {
	Record(ctx context.Context, entry *database.AuditEntry) error
}

// Raiser accepts candidate violations for asynchronous alert creation.
type Raiser interface {
	Enqueue(candidate Candidate)
}

// Detector is the violation detector. It runs synchronously on the
// event-producing path: validation, rule lookup, evaluation and the
// audit write all complete before the caller is acknowledged. Alert
// creation is handed off to the raiser and happens asynchronously.
type Detector struct {
	logger   *slog.Logger
	catalog  *Catalog
	counter  WindowCounter
	audit    AuditSink
	raiser   Raiser
	validate *validator.Validate

	defaultWindow time.Duration
}

// NewDetector creates a violation detector.
func NewDetector(
	catalog *Catalog,
	counter WindowCounter,
	audit AuditSink,
	raiser Raiser,
	defaultWindow time.Duration,
	logger *slog.Logger,
) *Detector {
	return &Detector{
		logger:        logger,
		catalog:       catalog,
		counter:       counter,
		audit:         audit,
		raiser:        raiser,
		validate:      validator.New(),
		defaultWindow: defaultWindow,
	}
}

// HandleMeasurement processes a recorded measurement. The event is
// audited whether or not it violates anything; a candidate is returned
// (and enqueued) only on violation.
func (d *Detector) HandleMeasurement(ctx context.Context, ev MeasurementEvent) (*Candidate, error) {
	if err := d.validate.Struct(ev); err != nil {
		return nil, &ValidationError{Field: "measurement", Reason: err.Error()}
	}

	eventKey := EventMeasurementRecorded + "." + database.NormalizeEventKey(ev.Parameter)
	rule, found := d.catalog.Find(eventKey)
	if !found {
		// Parameter specific rule first, generic measurement rule second.
		rule, found = d.catalog.Find(EventMeasurementRecorded)
	}

	var candidate *Candidate
	var evalErr error

	if found && rule.Rule.ThresholdMin != nil && rule.Rule.ThresholdMax != nil {
		finding, err := EvaluateThreshold(ev.Parameter, ev.Value, *rule.Rule.ThresholdMin, *rule.Rule.ThresholdMax)
		if err != nil {
			evalErr = err
		} else if !finding.InRange {
			unit := ""
			if rule.Rule.Unit != nil {
				unit = *rule.Rule.Unit
			}
			candidate = d.newCandidate(rule.Rule, &ev.SubjectID, optional(ev.RecordID), ev.ActorID,
				finding.Severity,
				fmt.Sprintf("Medical threshold exceeded - %s", ev.Parameter),
				fmt.Sprintf("Value %s (%g %s) outside acceptable range [%g, %g]",
					ev.Parameter, ev.Value, unit, *rule.Rule.ThresholdMin, *rule.Rule.ThresholdMax),
				map[string]interface{}{
					"parameter": ev.Parameter,
					"value":     ev.Value,
					"min":       *rule.Rule.ThresholdMin,
					"max":       *rule.Rule.ThresholdMax,
					"unit":      unit,
					"overshoot": finding.Overshoot,
				})
		}
	} else if !found {
		d.logger.Warn("No active rule for measurement event", "event_key", eventKey)
	}

	entry := &database.AuditEntry{
		Actor:         ev.ActorID,
		Action:        database.AuditMeasurement,
		TargetType:    "patient",
		TargetID:      ev.SubjectID,
		After:         database.JSONMap{"parameter": ev.Parameter, "value": ev.Value},
		HIPAARelevant: true,
		CDPRelevant:   true,
	}
	if err := d.audit.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit write for measurement event failed: %w", err)
	}

	if evalErr != nil {
		return nil, evalErr
	}
	d.dispatch(candidate)
	return candidate, nil
}

// HandleAccess processes a record access. Unauthorized accesses match
// the unauthorized-access rule directly; authorized ones feed the
// rolling-window counter so excessive-consultation rules can fire.
func (d *Detector) HandleAccess(ctx context.Context, ev AccessEvent) (*Candidate, error) {
	if err := d.validate.Struct(ev); err != nil {
		return nil, &ValidationError{Field: "access", Reason: err.Error()}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	eventKey := EventRecordAccessed
	if !ev.Authorized {
		eventKey = EventUnauthorizedAccess
	}

	var candidate *Candidate
	rule, found := d.catalog.Find(eventKey)
	if found {
		var err error
		candidate, err = d.evaluateCountRule(ctx, rule, ev.SubjectID, eventKey, optional(ev.RecordID), ev.ActorID,
			map[string]interface{}{
				"access_type": ev.AccessType,
				"authorized":  ev.Authorized,
				"subject_id":  ev.SubjectID,
			})
		if err != nil {
			d.logger.Error("Count rule evaluation failed", "event_key", eventKey, "error", err)
		}
	} else {
		d.logger.Warn("No active rule for access event", "event_key", eventKey)
	}

	entry := &database.AuditEntry{
		Actor:         ev.ActorID,
		Action:        database.AuditRead,
		TargetType:    "medical_record",
		TargetID:      ev.SubjectID,
		After:         database.JSONMap{"access_type": ev.AccessType, "authorized": ev.Authorized},
		GDPRRelevant:  true,
		HIPAARelevant: true,
		CDPRelevant:   true,
	}
	if err := d.audit.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit write for access event failed: %w", err)
	}

	d.dispatch(candidate)
	return candidate, nil
}

// HandleExport processes a bulk export request. A rule with a max_count
// bound fires when the export touches more subjects than allowed.
func (d *Detector) HandleExport(ctx context.Context, ev ExportEvent) (*Candidate, error) {
	if err := d.validate.Struct(ev); err != nil {
		return nil, &ValidationError{Field: "export", Reason: err.Error()}
	}

	var candidate *Candidate
	rule, found := d.catalog.Find(EventExportRequested)
	if found && rule.Rule.MaxCount != nil && ev.SubjectCount > *rule.Rule.MaxCount {
		candidate = d.newCandidate(rule.Rule, nil, nil, ev.ActorID,
			rule.Rule.Severity,
			"Bulk export exceeds authorized volume",
			fmt.Sprintf("Export request touches %d subjects, limit is %d",
				ev.SubjectCount, *rule.Rule.MaxCount),
			map[string]interface{}{
				"subject_count": ev.SubjectCount,
				"max_count":     *rule.Rule.MaxCount,
			})
		candidate.Details["impacted_subjects"] = ev.SubjectCount
	} else if !found {
		d.logger.Warn("No active rule for export event", "event_key", EventExportRequested)
	}

	entry := &database.AuditEntry{
		Actor:        ev.ActorID,
		Action:       database.AuditExport,
		TargetType:   "export",
		TargetID:     fmt.Sprintf("%d subjects", ev.SubjectCount),
		After:        database.JSONMap{"subject_count": ev.SubjectCount},
		GDPRRelevant: true,
		CDPRelevant:  true,
	}
	if err := d.audit.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit write for export event failed: %w", err)
	}

	d.dispatch(candidate)
	return candidate, nil
}

// evaluateCountRule feeds the rolling-window counter and fires the
// first time the count crosses the rule's minimum within a window. The
// firing mark keeps the rule idempotent per window: later events in the
// same window produce duplicate candidates for deduplication upstream,
// not fresh windows.
func (d *Detector) evaluateCountRule(
	ctx context.Context,
	rule *CompiledRule,
	subjectID, eventKey string,
	recordID *string,
	actorID string,
	details map[string]interface{},
) (*Candidate, error) {
	minCount := 1
	if rule.Rule.MinCount != nil {
		minCount = *rule.Rule.MinCount
	}
	window := d.defaultWindow
	if rule.Rule.WindowMinutes != nil {
		window = time.Duration(*rule.Rule.WindowMinutes) * time.Minute
	}

	matched, err := rule.MatchesCondition(details)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, nil
	}

	count, err := d.counter.Increment(ctx, subjectID, eventKey, window)
	if err != nil {
		return nil, fmt.Errorf("window counter increment failed: %w", err)
	}
	if count < int64(minCount) {
		return nil, nil
	}

	first, err := d.counter.MarkFired(ctx, subjectID, eventKey, window)
	if err != nil {
		return nil, fmt.Errorf("window firing mark failed: %w", err)
	}

	details["window_count"] = count
	details["min_count"] = minCount
	details["window_minutes"] = int(window.Minutes())

	candidate := d.newCandidate(rule.Rule, &subjectID, recordID, actorID,
		rule.Rule.Severity,
		rule.Rule.Name,
		fmt.Sprintf("%s: %d occurrences within %s (threshold %d)",
			rule.Rule.Description, count, window, minCount),
		details)
	if !first {
		// Already fired this window; the lifecycle manager absorbs the
		// duplicate into the open alert instead of raising a second one.
		candidate.Details["window_refire"] = true
	}
	return candidate, nil
}

func (d *Detector) newCandidate(
	rule *database.ComplianceRule,
	patientID, recordID *string,
	actorID string,
	severity int,
	title, message string,
	details map[string]interface{},
) *Candidate {
	if severity == 0 {
		severity = rule.Severity
	}
	window := d.defaultWindow
	if rule.WindowMinutes != nil {
		window = time.Duration(*rule.WindowMinutes) * time.Minute
	}
	return &Candidate{
		RuleID:          rule.ID,
		RuleVersion:     rule.Version,
		AlertTypeCode:   rule.AlertTypeCode,
		Regime:          rule.Regime,
		EventKey:        rule.EventKey,
		PatientID:       patientID,
		RecordID:        recordID,
		ActorID:         actorID,
		Severity:        severity,
		Title:           title,
		Message:         message,
		Details:         details,
		Action:          rule.Action,
		NotifyOperator:  rule.NotifyOperator,
		NotifyDPO:       rule.NotifyDPO,
		NotifyRegulator: rule.NotifyRegulator,
		WindowMinutes:   int(window.Minutes()),
	}
}

func (d *Detector) dispatch(candidate *Candidate) {
	if candidate == nil || d.raiser == nil {
		return
	}
	d.raiser.Enqueue(*candidate)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
