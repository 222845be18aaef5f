package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// AlertTypeRepository handles the static alert type catalog.
type AlertTypeRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAlertTypeRepository creates a new alert type repository.
func NewAlertTypeRepository(db *sqlx.DB, logger *slog.Logger) *AlertTypeRepository {
	return &AlertTypeRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Seed inserts catalog entries that do not exist yet. Existing rows are
// left untouched; the catalog is read-only after bootstrap except for
// the active flag.
func (r *AlertTypeRepository) Seed(ctx context.Context, types []AlertType) (int, error) {
	query := `
		INSERT INTO alert_types (
			code, name, description, regime, default_severity,
			deadline_hours, active, created_at
		) VALUES (
			:code, :name, :description, :regime, :default_severity,
			:deadline_hours, :active, :created_at
		) ON CONFLICT (code) DO NOTHING`

	inserted := 0
	for i := range types {
		t := types[i]
		t.Active = true
		t.CreatedAt = time.Now().UTC()

		result, err := r.db.NamedExecContext(ctx, query, t)
		if err != nil {
			return inserted, &PersistenceError{Op: "alert type seed", Err: err}
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}

	r.logger.Info("Alert type catalog seeded", "total", len(types), "inserted", inserted)
	return inserted, nil
}

// GetByCode retrieves a catalog entry.
func (r *AlertTypeRepository) GetByCode(ctx context.Context, code string) (*AlertType, error) {
	var t AlertType
	err := r.db.GetContext(ctx, &t, `SELECT * FROM alert_types WHERE code = $1`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert type %s: %w", code, ErrNotFound)
		}
		return nil, &PersistenceError{Op: "alert type get", Err: err}
	}
	return &t, nil
}

// List returns the full catalog.
func (r *AlertTypeRepository) List(ctx context.Context) ([]*AlertType, error) {
	var types []*AlertType
	err := r.db.SelectContext(ctx, &types, `SELECT * FROM alert_types ORDER BY regime, code`)
	if err != nil {
		return nil, &PersistenceError{Op: "alert type list", Err: err}
	}
	return types, nil
}

// SetActive toggles the only mutable field of a catalog entry.
func (r *AlertTypeRepository) SetActive(ctx context.Context, code string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE alert_types SET active = $1 WHERE code = $2`, active, code)
	if err != nil {
		return &PersistenceError{Op: "alert type set active", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "alert type set active", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("alert type %s: %w", code, ErrNotFound)
	}
	return nil
}
