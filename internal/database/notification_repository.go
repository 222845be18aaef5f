package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// NotificationRepository handles notification record persistence.
// Records are never deleted; exhausted deliveries stay visible as FAILED.
type NotificationRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(db *sqlx.DB, logger *slog.Logger) *NotificationRepository {
	return &NotificationRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create inserts a new PENDING notification record.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = NotificationPending
	}
	n.CreatedAt = time.Now().UTC()
	n.UpdatedAt = n.CreatedAt

	query := `
		INSERT INTO notifications (
			id, alert_id, tier, channel, recipient, subject, body, status,
			attempts, max_attempts, last_error, next_attempt_at,
			sent_at, failed_at, read_at, created_at, updated_at
		) VALUES (
			:id, :alert_id, :tier, :channel, :recipient, :subject, :body, :status,
			:attempts, :max_attempts, :last_error, :next_attempt_at,
			:sent_at, :failed_at, :read_at, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, n); err != nil {
		r.logger.Error("Failed to create notification",
			"notification_id", n.ID, "alert_id", n.AlertID, "error", err)
		return &PersistenceError{Op: "notification create", Err: err}
	}
	return nil
}

// GetByID retrieves a notification by id.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := r.db.GetContext(ctx, &n, `SELECT * FROM notifications WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return nil, &PersistenceError{Op: "notification get", Err: err}
	}
	return &n, nil
}

// MarkSent marks a delivery attempt as successful.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET
			status = $1, sent_at = $2, next_attempt_at = NULL, updated_at = $2
		WHERE id = $3`,
		NotificationSent, now, id)
	if err != nil {
		return &PersistenceError{Op: "notification mark sent", Err: err}
	}
	return nil
}

// RecordAttempt stores a failed attempt and schedules the next one.
func (r *NotificationRepository) RecordAttempt(ctx context.Context, id string, attemptErr string, nextAttempt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET
			attempts = attempts + 1,
			last_error = $1,
			next_attempt_at = $2,
			updated_at = $3
		WHERE id = $4`,
		attemptErr, nextAttempt, time.Now().UTC(), id)
	if err != nil {
		return &PersistenceError{Op: "notification record attempt", Err: err}
	}
	return nil
}

// MarkFailed marks a record as terminally failed once its attempts are
// exhausted. The record stays queryable for manual follow-up.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id string, attemptErr string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET
			status = $1, attempts = attempts + 1, last_error = $2,
			failed_at = $3, next_attempt_at = NULL, updated_at = $3
		WHERE id = $4`,
		NotificationFailed, attemptErr, now, id)
	if err != nil {
		return &PersistenceError{Op: "notification mark failed", Err: err}
	}
	r.logger.Warn("Notification marked failed", "notification_id", id, "error", attemptErr)
	return nil
}

// MarkRead marks an internal notification as read.
func (r *NotificationRepository) MarkRead(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = $1, read_at = $2, updated_at = $2
		WHERE id = $3 AND channel = 'INTERNAL' AND status = $4`,
		NotificationRead, now, id, NotificationSent)
	if err != nil {
		return &PersistenceError{Op: "notification mark read", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "notification mark read", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDue returns PENDING notifications whose next attempt is due.
func (r *NotificationRepository) ListDue(ctx context.Context, limit int) ([]*Notification, error) {
	var records []*Notification
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM notifications
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		ORDER BY created_at
		LIMIT $2`,
		NotificationPending, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "notification list due", Err: err}
	}
	return records, nil
}

// ListByRecipient returns notifications addressed to one recipient.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*Notification
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM notifications
		WHERE recipient = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		recipient, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "notification list by recipient", Err: err}
	}
	return records, nil
}

// ListFailed returns terminally failed records for manual follow-up.
func (r *NotificationRepository) ListFailed(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []*Notification
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM notifications
		WHERE status = $1
		ORDER BY failed_at DESC
		LIMIT $2`,
		NotificationFailed, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "notification list failed", Err: err}
	}
	return records, nil
}

// CountPending returns the number of rows awaiting delivery.
func (r *NotificationRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notifications WHERE status = $1`,
		NotificationPending)
	if err != nil {
		return 0, &PersistenceError{Op: "pending notification count", Err: err}
	}
	return n, nil
}

// CountForAlert returns how many records exist for an alert and tier.
func (r *NotificationRepository) CountForAlert(ctx context.Context, alertID, tier string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notifications WHERE alert_id = $1 AND tier = $2`,
		alertID, tier)
	if err != nil {
		return 0, &PersistenceError{Op: "notification count", Err: err}
	}
	return n, nil
}
