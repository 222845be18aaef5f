package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AlertRepository handles alert persistence. Alerts are never deleted;
// there is deliberately no delete method on this type.
type AlertRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *sqlx.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create inserts a new alert.
func (r *AlertRepository) Create(ctx context.Context, alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Details == nil {
		alert.Details = JSONMap{}
	}
	alert.CreatedAt = time.Now().UTC()
	alert.UpdatedAt = alert.CreatedAt

	query := `
		INSERT INTO alerts (
			id, type_code, rule_id, rule_version, regime, patient_id, record_id,
			origin_user_id, assigned_to, title, description, details, severity,
			status, impacted_count, regulator_notified, regulator_notified_at,
			resolved_at, resolved_by, created_at, updated_at
		) VALUES (
			:id, :type_code, :rule_id, :rule_version, :regime, :patient_id, :record_id,
			:origin_user_id, :assigned_to, :title, :description, :details, :severity,
			:status, :impacted_count, :regulator_notified, :regulator_notified_at,
			:resolved_at, :resolved_by, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, alert); err != nil {
		r.logger.Error("Failed to create alert", "alert_id", alert.ID, "error", err)
		return &PersistenceError{Op: "alert create", Err: err}
	}

	r.logger.Info("Alert created",
		"alert_id", alert.ID, "rule_id", alert.RuleID, "severity", alert.Severity)
	return nil
}

// GetByID retrieves an alert by id.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*Alert, error) {
	var alert Alert
	err := r.db.GetContext(ctx, &alert, `SELECT * FROM alerts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return nil, &PersistenceError{Op: "alert get", Err: err}
	}
	return &alert, nil
}

// Update persists lifecycle mutations of an existing alert.
func (r *AlertRepository) Update(ctx context.Context, alert *Alert) error {
	alert.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE alerts SET
			assigned_to = :assigned_to,
			severity = :severity,
			status = :status,
			impacted_count = :impacted_count,
			regulator_notified = :regulator_notified,
			regulator_notified_at = :regulator_notified_at,
			resolved_at = :resolved_at,
			resolved_by = :resolved_by,
			details = :details,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, alert)
	if err != nil {
		r.logger.Error("Failed to update alert", "alert_id", alert.ID, "error", err)
		return &PersistenceError{Op: "alert update", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "alert update", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	return nil
}

// FindOpenForDedup returns the most recent NEW or IN_PROGRESS alert for
// the (rule, patient) pair created at or after since, or ErrNotFound.
func (r *AlertRepository) FindOpenForDedup(ctx context.Context, ruleID string, patientID *string, since time.Time) (*Alert, error) {
	var alert Alert
	var err error

	if patientID == nil {
		err = r.db.GetContext(ctx, &alert, `
			SELECT * FROM alerts
			WHERE rule_id = $1 AND patient_id IS NULL
			  AND status IN ($2, $3) AND created_at >= $4
			ORDER BY created_at DESC LIMIT 1`,
			ruleID, StatusNew, StatusInProgress, since)
	} else {
		err = r.db.GetContext(ctx, &alert, `
			SELECT * FROM alerts
			WHERE rule_id = $1 AND patient_id = $2
			  AND status IN ($3, $4) AND created_at >= $5
			ORDER BY created_at DESC LIMIT 1`,
			ruleID, *patientID, StatusNew, StatusInProgress, since)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "alert dedup lookup", Err: err}
	}
	return &alert, nil
}

// AbsorbDuplicate folds a duplicate candidate into an existing open
// alert: impacted_count is incremented and severity raised to the max of
// old and new. Returns the refreshed alert.
func (r *AlertRepository) AbsorbDuplicate(ctx context.Context, id string, severity int) (*Alert, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET
			impacted_count = impacted_count + 1,
			severity = GREATEST(severity, $1),
			updated_at = $2
		WHERE id = $3`,
		severity, time.Now().UTC(), id)
	if err != nil {
		return nil, &PersistenceError{Op: "alert absorb duplicate", Err: err}
	}
	return r.GetByID(ctx, id)
}

// MarkRegulatorNotified sets the regulator flag exactly once. The
// conditional update makes re-dispatch idempotent: it reports whether
// this call was the one that flipped the flag.
func (r *AlertRepository) MarkRegulatorNotified(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET
			regulator_notified = true,
			regulator_notified_at = $1,
			updated_at = $1
		WHERE id = $2 AND regulator_notified = false`,
		time.Now().UTC(), id)
	if err != nil {
		return false, &PersistenceError{Op: "alert regulator mark", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, &PersistenceError{Op: "alert regulator mark", Err: err}
	}
	return n > 0, nil
}

// ClearRegulatorNotified releases the regulator flag after a failed
// disclosure attempt so a later dispatch can retry.
func (r *AlertRepository) ClearRegulatorNotified(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET
			regulator_notified = false,
			regulator_notified_at = NULL,
			updated_at = $1
		WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return &PersistenceError{Op: "alert regulator clear", Err: err}
	}
	return nil
}

// List retrieves alerts matching the filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter AlertFilter) ([]*Alert, int, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.MinSeverity > 0 {
		args = append(args, filter.MinSeverity)
		conditions = append(conditions, fmt.Sprintf("severity >= $%d", len(args)))
	}
	if filter.Regime != "" {
		args = append(args, filter.Regime)
		conditions = append(conditions, fmt.Sprintf("regime = $%d", len(args)))
	}
	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		conditions = append(conditions, fmt.Sprintf("patient_id = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total,
		fmt.Sprintf("SELECT COUNT(*) FROM alerts %s", where), args...); err != nil {
		return nil, 0, &PersistenceError{Op: "alert count", Err: err}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	limitClause := fmt.Sprintf("LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	offsetClause := fmt.Sprintf("OFFSET $%d", len(args))

	var alerts []*Alert
	query := fmt.Sprintf(
		"SELECT * FROM alerts %s ORDER BY created_at DESC %s %s",
		where, limitClause, offsetClause)
	if err := r.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, 0, &PersistenceError{Op: "alert list", Err: err}
	}

	return alerts, total, nil
}

// ListOverdue returns NEW alerts older than their type's notification
// deadline, for automatic escalation by the scheduler.
func (r *AlertRepository) ListOverdue(ctx context.Context, grace time.Duration) ([]*Alert, error) {
	var alerts []*Alert
	err := r.db.SelectContext(ctx, &alerts, `
		SELECT a.* FROM alerts a
		JOIN alert_types t ON t.code = a.type_code
		WHERE a.status = $1
		  AND a.created_at < NOW() - (t.deadline_hours * INTERVAL '1 hour') - $2::interval`,
		StatusNew, fmt.Sprintf("%d seconds", int(grace.Seconds())))
	if err != nil {
		return nil, &PersistenceError{Op: "alert list overdue", Err: err}
	}
	return alerts, nil
}

// Stats aggregates alert counts by status, severity and regime.
func (r *AlertRepository) Stats(ctx context.Context) (*AlertStats, error) {
	var stats AlertStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'NEW') AS new,
			COUNT(*) FILTER (WHERE status = 'IN_PROGRESS') AS in_progress,
			COUNT(*) FILTER (WHERE status = 'RESOLVED') AS resolved,
			COUNT(*) FILTER (WHERE status = 'ESCALATED') AS escalated,
			COUNT(*) FILTER (WHERE status = 'CLOSED') AS closed,
			COUNT(*) FILTER (WHERE severity = 4) AS critical,
			COUNT(*) FILTER (WHERE severity = 5) AS urgent,
			COUNT(*) FILTER (WHERE regime = 'GDPR') AS gdpr,
			COUNT(*) FILTER (WHERE regime = 'HIPAA') AS hipaa,
			COUNT(*) FILTER (WHERE regime = 'CDP') AS cdp,
			COUNT(*) FILTER (WHERE regulator_notified) AS regulator_notified,
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '7 days') AS last_7_days,
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '30 days') AS last_30_days,
			COALESCE(EXTRACT(EPOCH FROM AVG(resolved_at - created_at)
				FILTER (WHERE resolved_at IS NOT NULL)) / 3600, 0) AS mean_resolution_hours
		FROM alerts`)
	if err != nil {
		return nil, &PersistenceError{Op: "alert stats", Err: err}
	}

	if stats.Total > 0 {
		stats.ComplianceRate = float64(stats.Resolved+stats.Closed) / float64(stats.Total) * 100
	} else {
		stats.ComplianceRate = 100
	}
	return &stats, nil
}
