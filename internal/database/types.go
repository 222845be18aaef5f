package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/clinisafe/compliance-engine/internal/config"
)

// Compliance regime tags. Closed set, mirrored in the alert_types seed.
const (
	RegimeGeneral        = "GENERAL"
	RegimeDataProtection = "GDPR"
	RegimeHealthPrivacy  = "HIPAA"
	RegimeLocalRegulator = "CDP"
)

// Alert statuses.
const (
	StatusNew        = "NEW"
	StatusInProgress = "IN_PROGRESS"
	StatusResolved   = "RESOLVED"
	StatusEscalated  = "ESCALATED"
	StatusClosed     = "CLOSED"
)

// Notification statuses.
const (
	NotificationPending = "PENDING"
	NotificationSent    = "SENT"
	NotificationFailed  = "FAILED"
	NotificationRead    = "READ"
)

// Notification tiers.
const (
	TierOperator  = "OPERATOR"
	TierDPO       = "DPO"
	TierRegulator = "REGULATOR"
)

// Rule actions.
const (
	ActionNotify      = "NOTIFY"
	ActionBlockAccess = "BLOCK_ACCESS"
	ActionLogOnly     = "LOG_ONLY"
	ActionEscalate    = "ESCALATE"
	ActionForceLogout = "FORCE_LOGOUT"
)

// Audit actions.
const (
	AuditRead           = "READ"
	AuditWrite          = "WRITE"
	AuditDelete         = "DELETE"
	AuditExport         = "EXPORT"
	AuditLogin          = "LOGIN"
	AuditLogout         = "LOGOUT"
	AuditPasswordChange = "PASSWORD_CHANGE"
	AuditMeasurement    = "MEASUREMENT"
	AuditDetection      = "DETECTION"
)

// PersistenceError wraps a storage failure so callers can distinguish it
// from domain errors and apply retry policy.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// JSONMap is a jsonb column mapped to a Go map.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(b, m)
}

// ComplianceRule is one versioned detection rule. Rows referenced by an
// alert are never updated in place; edits insert a new version and
// deactivate the predecessor.
type ComplianceRule struct {
	ID              string   `db:"id" json:"id"`
	Name            string   `db:"name" json:"name"`
	Description     string   `db:"description" json:"description"`
	EventKey        string   `db:"event_key" json:"event_key"`
	Regime          string   `db:"regime" json:"regime"`
	Severity        int      `db:"severity" json:"severity"`
	ParameterName   *string  `db:"parameter_name" json:"parameter_name,omitempty"`
	ThresholdMin    *float64 `db:"threshold_min" json:"threshold_min,omitempty"`
	ThresholdMax    *float64 `db:"threshold_max" json:"threshold_max,omitempty"`
	Unit            *string  `db:"unit" json:"unit,omitempty"`
	MinCount        *int     `db:"min_count" json:"min_count,omitempty"`
	MaxCount        *int     `db:"max_count" json:"max_count,omitempty"`
	WindowMinutes   *int     `db:"window_minutes" json:"window_minutes,omitempty"`
	Condition       *string  `db:"condition" json:"condition,omitempty"`
	Action          string   `db:"action" json:"action"`
	NotifyOperator  bool     `db:"notify_operator" json:"notify_operator"`
	NotifyDPO       bool     `db:"notify_dpo" json:"notify_dpo"`
	NotifyRegulator bool     `db:"notify_regulator" json:"notify_regulator"`
	AlertTypeCode   string   `db:"alert_type_code" json:"alert_type_code"`
	Version         int      `db:"version" json:"version"`
	Active          bool     `db:"active" json:"active"`
	CreatedBy       string   `db:"created_by" json:"created_by"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AlertType is static catalog data seeded at bootstrap.
type AlertType struct {
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	Description     string    `db:"description" json:"description"`
	Regime          string    `db:"regime" json:"regime"`
	DefaultSeverity int       `db:"default_severity" json:"default_severity"`
	DeadlineHours   int       `db:"deadline_hours" json:"deadline_hours"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Alert is one detected violation instance. Alerts are never deleted.
type Alert struct {
	ID                  string     `db:"id" json:"id"`
	TypeCode            string     `db:"type_code" json:"type_code"`
	RuleID              string     `db:"rule_id" json:"rule_id"`
	RuleVersion         int        `db:"rule_version" json:"rule_version"`
	Regime              string     `db:"regime" json:"regime"`
	PatientID           *string    `db:"patient_id" json:"patient_id,omitempty"`
	RecordID            *string    `db:"record_id" json:"record_id,omitempty"`
	OriginUserID        *string    `db:"origin_user_id" json:"origin_user_id,omitempty"`
	AssignedTo          *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	Title               string     `db:"title" json:"title"`
	Description         string     `db:"description" json:"description"`
	Details             JSONMap    `db:"details" json:"details"`
	Severity            int        `db:"severity" json:"severity"`
	Status              string     `db:"status" json:"status"`
	ImpactedCount       int        `db:"impacted_count" json:"impacted_count"`
	RegulatorNotified   bool       `db:"regulator_notified" json:"regulator_notified"`
	RegulatorNotifiedAt *time.Time `db:"regulator_notified_at" json:"regulator_notified_at,omitempty"`
	ResolvedAt          *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy          *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Notification is one outbound message for one alert and one recipient.
type Notification struct {
	ID            string     `db:"id" json:"id"`
	AlertID       string     `db:"alert_id" json:"alert_id"`
	Tier          string     `db:"tier" json:"tier"`
	Channel       string     `db:"channel" json:"channel"`
	Recipient     string     `db:"recipient" json:"recipient"`
	Subject       string     `db:"subject" json:"subject"`
	Body          string     `db:"body" json:"body"`
	Status        string     `db:"status" json:"status"`
	Attempts      int        `db:"attempts" json:"attempts"`
	MaxAttempts   int        `db:"max_attempts" json:"max_attempts"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	SentAt        *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	FailedAt      *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	ReadAt        *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// AuditEntry is an append-only record of one action. The application has
// no update or delete path for this table.
type AuditEntry struct {
	ID            string    `db:"id" json:"id"`
	Actor         string    `db:"actor" json:"actor"`
	Action        string    `db:"action" json:"action"`
	TargetType    string    `db:"target_type" json:"target_type"`
	TargetID      string    `db:"target_id" json:"target_id"`
	Before        JSONMap   `db:"before_state" json:"before_state"`
	After         JSONMap   `db:"after_state" json:"after_state"`
	GDPRRelevant  bool      `db:"gdpr_relevant" json:"gdpr_relevant"`
	HIPAARelevant bool      `db:"hipaa_relevant" json:"hipaa_relevant"`
	CDPRelevant   bool      `db:"cdp_relevant" json:"cdp_relevant"`
	AlertID       *string   `db:"alert_id" json:"alert_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Status      string
	MinSeverity int
	Regime      string
	PatientID   string
	Limit       int
	Offset      int
}

// AuditFilter narrows audit trail queries.
type AuditFilter struct {
	Actor      string
	TargetType string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// AlertStats aggregates alert counts for the statistics endpoint.
type AlertStats struct {
	Total             int     `db:"total" json:"total"`
	New               int     `db:"new" json:"new"`
	InProgress        int     `db:"in_progress" json:"in_progress"`
	Resolved          int     `db:"resolved" json:"resolved"`
	Escalated         int     `db:"escalated" json:"escalated"`
	Closed            int     `db:"closed" json:"closed"`
	Critical          int     `db:"critical" json:"critical"`
	Urgent            int     `db:"urgent" json:"urgent"`
	GDPR              int     `db:"gdpr" json:"gdpr"`
	HIPAA             int     `db:"hipaa" json:"hipaa"`
	CDP               int     `db:"cdp" json:"cdp"`
	RegulatorNotified int     `db:"regulator_notified" json:"regulator_notified"`
	Last7Days         int     `db:"last_7_days" json:"last_7_days"`
	Last30Days        int     `db:"last_30_days" json:"last_30_days"`
	MeanResolution    float64 `db:"mean_resolution_hours" json:"mean_resolution_hours"`
	ComplianceRate    float64 `json:"compliance_rate"`
}

// ActorCount is one row of an access aggregation over the audit trail.
type ActorCount struct {
	Actor string `db:"actor" json:"actor"`
	Count int    `db:"count" json:"count"`
}

// Connect establishes a database connection.
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// RunMigrations runs database migrations.
func RunMigrations(cfg config.DatabaseConfig) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BaseRepository carries the shared database handle.
type BaseRepository struct {
	db *sqlx.DB
}

// Transaction executes fn within a database transaction.
func (r *BaseRepository) Transaction(fn func(*sqlx.Tx) error) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}
