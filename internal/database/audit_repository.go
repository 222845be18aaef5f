package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditRepository handles the append-only audit trail. There are no
// update or delete statements for audit_entries anywhere in the code
// base; immutability is the compliance guarantee.
type AuditRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *sqlx.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Insert appends one audit entry.
func (r *AuditRepository) Insert(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Before == nil {
		entry.Before = JSONMap{}
	}
	if entry.After == nil {
		entry.After = JSONMap{}
	}
	entry.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO audit_entries (
			id, actor, action, target_type, target_id, before_state, after_state,
			gdpr_relevant, hipaa_relevant, cdp_relevant, alert_id, created_at
		) VALUES (
			:id, :actor, :action, :target_type, :target_id, :before_state, :after_state,
			:gdpr_relevant, :hipaa_relevant, :cdp_relevant, :alert_id, :created_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return &PersistenceError{Op: "audit insert", Err: err}
	}
	return nil
}

// List retrieves audit entries matching the filter, newest first.
func (r *AuditRepository) List(ctx context.Context, filter AuditFilter) ([]*AuditEntry, int, error) {
	var conditions []string
	var args []interface{}

	if filter.Actor != "" {
		args = append(args, filter.Actor)
		conditions = append(conditions, fmt.Sprintf("actor = $%d", len(args)))
	}
	if filter.TargetType != "" {
		args = append(args, filter.TargetType)
		conditions = append(conditions, fmt.Sprintf("target_type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total,
		fmt.Sprintf("SELECT COUNT(*) FROM audit_entries %s", where), args...); err != nil {
		return nil, 0, &PersistenceError{Op: "audit count", Err: err}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	limitClause := fmt.Sprintf("LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	offsetClause := fmt.Sprintf("OFFSET $%d", len(args))

	var entries []*AuditEntry
	query := fmt.Sprintf(
		"SELECT * FROM audit_entries %s ORDER BY created_at DESC %s %s",
		where, limitClause, offsetClause)
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, &PersistenceError{Op: "audit list", Err: err}
	}

	return entries, total, nil
}

// CountByActorSince aggregates entries per actor for one action since a
// point in time. Used by the excessive-access surveillance scan.
func (r *AuditRepository) CountByActorSince(ctx context.Context, action string, since time.Time, minCount int) ([]*ActorCount, error) {
	var counts []*ActorCount
	err := r.db.SelectContext(ctx, &counts, `
		SELECT actor, COUNT(*) AS count
		FROM audit_entries
		WHERE action = $1 AND created_at >= $2
		GROUP BY actor
		HAVING COUNT(*) >= $3
		ORDER BY count DESC`,
		action, since, minCount)
	if err != nil {
		return nil, &PersistenceError{Op: "audit actor aggregation", Err: err}
	}
	return counts, nil
}

// StaleConsentSubjects returns the subjects whose most recent consent
// entry on the trail predates the cutoff. Consent renewals arrive as
// WRITE entries with target_type "consent".
func (r *AuditRepository) StaleConsentSubjects(ctx context.Context, before time.Time) ([]string, error) {
	var subjects []string
	err := r.db.SelectContext(ctx, &subjects, `
		SELECT target_id
		FROM audit_entries
		WHERE target_type = 'consent'
		GROUP BY target_id
		HAVING MAX(created_at) < $1
		ORDER BY target_id`,
		before)
	if err != nil {
		return nil, &PersistenceError{Op: "stale consent scan", Err: err}
	}
	return subjects, nil
}
