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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// RuleRepository handles compliance rule persistence. Rules are versioned:
// an edit inserts a new version row and deactivates the predecessor so
// alerts keep pointing at the exact rule text that raised them.
type RuleRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(db *sqlx.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

const ruleColumns = `
	id, name, description, event_key, regime, severity,
	parameter_name, threshold_min, threshold_max, unit,
	min_count, max_count, window_minutes, condition, action,
	notify_operator, notify_dpo, notify_regulator, alert_type_code,
	version, active, created_by, created_at, updated_at`

// Create inserts a new rule at version 1.
func (r *RuleRepository) Create(ctx context.Context, rule *ComplianceRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.EventKey = NormalizeEventKey(rule.EventKey)
	rule.Version = 1
	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt

	query := `
		INSERT INTO compliance_rules (` + ruleColumns + `) VALUES (
			:id, :name, :description, :event_key, :regime, :severity,
			:parameter_name, :threshold_min, :threshold_max, :unit,
			:min_count, :max_count, :window_minutes, :condition, :action,
			:notify_operator, :notify_dpo, :notify_regulator, :alert_type_code,
			:version, :active, :created_by, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		r.logger.Error("Failed to create rule", "rule_id", rule.ID, "error", err)
		return &PersistenceError{Op: "rule create", Err: err}
	}

	r.logger.Info("Rule created", "rule_id", rule.ID, "event_key", rule.EventKey)
	return nil
}

// CreateVersion inserts a successor version of an existing rule and
// deactivates the predecessor in the same transaction. History is never
// mutated.
func (r *RuleRepository) CreateVersion(ctx context.Context, previousID string, rule *ComplianceRule) error {
	prev, err := r.GetByID(ctx, previousID)
	if err != nil {
		return err
	}

	rule.ID = uuid.New().String()
	rule.EventKey = NormalizeEventKey(rule.EventKey)
	rule.Version = prev.Version + 1
	// The successor replaces the predecessor as the live version.
	rule.Active = true
	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt

	err = r.Transaction(func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE compliance_rules SET active = false, updated_at = $1 WHERE id = $2`,
			time.Now().UTC(), previousID); err != nil {
			return err
		}

		query := `
			INSERT INTO compliance_rules (` + ruleColumns + `) VALUES (
				:id, :name, :description, :event_key, :regime, :severity,
				:parameter_name, :threshold_min, :threshold_max, :unit,
				:min_count, :max_count, :window_minutes, :condition, :action,
				:notify_operator, :notify_dpo, :notify_regulator, :alert_type_code,
				:version, :active, :created_by, :created_at, :updated_at
			)`
		_, err := tx.NamedExecContext(ctx, query, rule)
		return err
	})
	if err != nil {
		r.logger.Error("Failed to create rule version",
			"previous_id", previousID, "version", rule.Version, "error", err)
		return &PersistenceError{Op: "rule version create", Err: err}
	}

	r.logger.Info("Rule version created",
		"rule_id", rule.ID, "previous_id", previousID, "version", rule.Version)
	return nil
}

// GetByID retrieves a rule by id.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*ComplianceRule, error) {
	var rule ComplianceRule
	err := r.db.GetContext(ctx, &rule,
		`SELECT * FROM compliance_rules WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return nil, &PersistenceError{Op: "rule get", Err: err}
	}
	return &rule, nil
}

// ListActive returns all active rules, newest first so the catalog can
// keep the most recent one when duplicates share an event key.
func (r *RuleRepository) ListActive(ctx context.Context) ([]*ComplianceRule, error) {
	var rules []*ComplianceRule
	err := r.db.SelectContext(ctx, &rules,
		`SELECT * FROM compliance_rules WHERE active = true ORDER BY created_at DESC`)
	if err != nil {
		return nil, &PersistenceError{Op: "rule list active", Err: err}
	}
	return rules, nil
}

// List returns all rule versions, newest first.
func (r *RuleRepository) List(ctx context.Context) ([]*ComplianceRule, error) {
	var rules []*ComplianceRule
	err := r.db.SelectContext(ctx, &rules,
		`SELECT * FROM compliance_rules ORDER BY created_at DESC`)
	if err != nil {
		return nil, &PersistenceError{Op: "rule list", Err: err}
	}
	return rules, nil
}

// SetActive toggles a rule's active flag.
func (r *RuleRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE compliance_rules SET active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now().UTC(), id)
	if err != nil {
		return &PersistenceError{Op: "rule set active", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "rule set active", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	r.logger.Info("Rule toggled", "rule_id", id, "active", active)
	return nil
}

// Count returns the total number of rule rows.
func (r *RuleRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM compliance_rules`); err != nil {
		return 0, &PersistenceError{Op: "rule count", Err: err}
	}
	return n, nil
}

// NormalizeEventKey lowercases and trims an event key so catalog lookups
// are case-insensitive exact matches.
func NormalizeEventKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
