package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the compliance engine service.
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Detection     DetectionConfig     `mapstructure:"detection"`
	Lifecycle     LifecycleConfig     `mapstructure:"lifecycle"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Name            string        `mapstructure:"name" validate:"required"`
	Username        string        `mapstructure:"username" validate:"required"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for shared window counters.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig contains Kafka configuration.
type KafkaConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Brokers []string     `mapstructure:"brokers"`
	GroupID string       `mapstructure:"group_id"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic names.
type TopicsConfig struct {
	MeasurementRecorded string `mapstructure:"measurement_recorded"`
	RecordAccessed      string `mapstructure:"record_accessed"`
	ExportRequested     string `mapstructure:"export_requested"`
	AlertRaised         string `mapstructure:"alert_raised"`
	AlertEscalated      string `mapstructure:"alert_escalated"`
}

// DetectionConfig contains violation detector configuration.
type DetectionConfig struct {
	RuleReloadInterval   time.Duration `mapstructure:"rule_reload_interval"`
	DefaultWindowMinutes int           `mapstructure:"default_window_minutes"`
	CounterCleanupEvery  time.Duration `mapstructure:"counter_cleanup_every"`
}

// LifecycleConfig contains alert lifecycle manager configuration.
type LifecycleConfig struct {
	QueueSize   int `mapstructure:"queue_size"`
	WorkerCount int `mapstructure:"worker_count"`
}

// NotificationsConfig contains notification configuration.
type NotificationsConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	WorkerCount    int           `mapstructure:"worker_count"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	Email          EmailConfig   `mapstructure:"email"`
	SMS            SMSConfig     `mapstructure:"sms"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
	Recipients     Recipients    `mapstructure:"recipients"`
}

// EmailConfig contains email channel configuration.
type EmailConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Provider        string `mapstructure:"provider"` // sendgrid, smtp
	SendGridAPIKey  string `mapstructure:"sendgrid_api_key"`
	SMTPHost        string `mapstructure:"smtp_host"`
	SMTPPort        int    `mapstructure:"smtp_port"`
	SMTPUsername    string `mapstructure:"smtp_username"`
	SMTPPassword    string `mapstructure:"smtp_password"`
	FromAddress     string `mapstructure:"from_address"`
	FromName        string `mapstructure:"from_name"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// SMSConfig contains SMS channel configuration.
type SMSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	TwilioSID       string `mapstructure:"twilio_sid"`
	TwilioToken     string `mapstructure:"twilio_token"`
	FromNumber      string `mapstructure:"from_number"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// WebhookConfig contains outbound webhook configuration, used for the
// regulator notification endpoint among others.
type WebhookConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	RegulatorURL    string            `mapstructure:"regulator_url"`
	Headers         map[string]string `mapstructure:"headers"`
	SigningSecret   string            `mapstructure:"signing_secret"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	RateLimitPerMin int               `mapstructure:"rate_limit_per_min"`
}

// Recipients lists the addresses for each notification tier.
type Recipients struct {
	Operators []Recipient `mapstructure:"operators"`
	DPO       []Recipient `mapstructure:"dpo"`
	Regulator []Recipient `mapstructure:"regulator"`
}

// Recipient is a single notification target.
type Recipient struct {
	Name    string `mapstructure:"name"`
	Channel string `mapstructure:"channel"` // EMAIL, SMS, WEBHOOK, INTERNAL
	Address string `mapstructure:"address"`
}

// AuditConfig contains audit recorder configuration.
type AuditConfig struct {
	WriteRetries   int           `mapstructure:"write_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// SchedulerConfig contains surveillance scheduler configuration.
type SchedulerConfig struct {
	Enabled                 bool   `mapstructure:"enabled"`
	SurveillanceSchedule    string `mapstructure:"surveillance_schedule"`
	RetrySweepSchedule      string `mapstructure:"retry_sweep_schedule"`
	EscalationSchedule      string `mapstructure:"escalation_schedule"`
	ConsentMaxAgeDays       int    `mapstructure:"consent_max_age_days"`
	ExcessiveAccessPerHour  int    `mapstructure:"excessive_access_per_hour"`
	DeadlineGraceMinutes    int    `mapstructure:"deadline_grace_minutes"`
	SurveillanceWindowHours int    `mapstructure:"surveillance_window_hours"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Load loads configuration from flags, environment variables and an
// optional config file, in that order of precedence.
func Load() (*Config, error) {
	configPath := pflag.String("config", "", "path to config file")
	pflag.Parse()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/compliance-engine")
	if *configPath != "" {
		viper.SetConfigFile(*configPath)
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("COMPLIANCE_ENGINE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "compliance_engine")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "compliance-engine")
	viper.SetDefault("kafka.topics.measurement_recorded", "medical.measurement.recorded")
	viper.SetDefault("kafka.topics.record_accessed", "medical.record.accessed")
	viper.SetDefault("kafka.topics.export_requested", "medical.export.requested")
	viper.SetDefault("kafka.topics.alert_raised", "compliance.alert.raised")
	viper.SetDefault("kafka.topics.alert_escalated", "compliance.alert.escalated")

	viper.SetDefault("detection.rule_reload_interval", "60s")
	viper.SetDefault("detection.default_window_minutes", 60)
	viper.SetDefault("detection.counter_cleanup_every", "5m")

	viper.SetDefault("lifecycle.queue_size", 1024)
	viper.SetDefault("lifecycle.worker_count", 4)

	viper.SetDefault("notifications.queue_size", 1024)
	viper.SetDefault("notifications.worker_count", 4)
	viper.SetDefault("notifications.poll_interval", "10s")
	viper.SetDefault("notifications.max_attempts", 5)
	viper.SetDefault("notifications.retry_base_delay", "2s")
	viper.SetDefault("notifications.retry_max_delay", "5m")
	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.provider", "smtp")
	viper.SetDefault("notifications.email.rate_limit_per_min", 60)
	viper.SetDefault("notifications.sms.enabled", false)
	viper.SetDefault("notifications.sms.rate_limit_per_min", 30)
	viper.SetDefault("notifications.webhook.enabled", false)
	viper.SetDefault("notifications.webhook.timeout", "10s")
	viper.SetDefault("notifications.webhook.rate_limit_per_min", 60)

	viper.SetDefault("audit.write_retries", 5)
	viper.SetDefault("audit.retry_base_delay", "100ms")

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.surveillance_schedule", "0 */15 * * * *")
	viper.SetDefault("scheduler.retry_sweep_schedule", "30 * * * * *")
	viper.SetDefault("scheduler.escalation_schedule", "0 */5 * * * *")
	viper.SetDefault("scheduler.consent_max_age_days", 365)
	viper.SetDefault("scheduler.excessive_access_per_hour", 50)
	viper.SetDefault("scheduler.deadline_grace_minutes", 0)
	viper.SetDefault("scheduler.surveillance_window_hours", 24)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
