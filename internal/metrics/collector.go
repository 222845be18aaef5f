package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/clinisafe/compliance-engine/internal/database"
)

// StatsSource provides the aggregate counts behind the gauges.
type StatsSource interface {
	Stats(ctx context.Context) (*database.AlertStats, error)
}

// RuleCounter reports the size of the in-memory rule catalog.
type RuleCounter interface {
	Size() int
}

// PendingCounter reports undelivered notification rows.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// Collector owns the Prometheus metrics for the engine. Counters are
// incremented inline by the components doing the work; gauges are
// refreshed by a background poll against the database.
type Collector struct {
	logger  *slog.Logger
	alerts  StatsSource
	rules   RuleCounter
	pending PendingCounter

	EventsProcessed    *prometheus.CounterVec
	DetectionDuration  prometheus.Histogram
	AlertsRaised       *prometheus.CounterVec
	DuplicatesAbsorbed prometheus.Counter
	Transitions        *prometheus.CounterVec
	NotificationsSent  *prometheus.CounterVec
	AuditWrites        *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec

	OpenAlerts           prometheus.Gauge
	EscalatedAlerts      prometheus.Gauge
	RegulatorNotified    prometheus.Gauge
	ActiveRules          prometheus.Gauge
	PendingNotifications prometheus.Gauge

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewCollector creates and registers the engine metrics.
func NewCollector(alerts StatsSource, rules RuleCounter, pending PendingCounter, logger *slog.Logger) *Collector {
	return &Collector{
		logger:  logger,
		alerts:  alerts,
		rules:   rules,
		pending: pending,

		EventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_engine_events_processed_total",
				Help: "Medical events processed by the violation detector",
			},
			[]string{"event_type", "result"},
		),
		DetectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "compliance_engine_detection_duration_seconds",
				Help:    "Duration of inline violation detection including the audit write",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		AlertsRaised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_engine_alerts_raised_total",
				Help: "Alerts created, by regulatory regime and severity",
			},
			[]string{"regime", "severity"},
		),
		DuplicatesAbsorbed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "compliance_engine_alert_duplicates_absorbed_total",
				Help: "Candidate violations absorbed into an open alert",
			},
		),
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_engine_alert_transitions_total",
				Help: "Alert status transitions, by target status",
			},
			[]string{"to_status"},
		),
		NotificationsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_engine_notifications_total",
				Help: "Notification deliveries, by channel and outcome",
			},
			[]string{"channel", "status"},
		),
		AuditWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_engine_audit_writes_total",
				Help: "Audit trail writes, by outcome",
			},
			[]string{"result"},
		),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_engine_http_requests_total",
				Help: "HTTP requests, by route and status code",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compliance_engine_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"route", "method"},
		),

		OpenAlerts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_engine_alerts_open",
			Help: "Alerts currently in NEW or IN_PROGRESS",
		}),
		EscalatedAlerts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_engine_alerts_escalated",
			Help: "Alerts currently in ESCALATED",
		}),
		RegulatorNotified: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_engine_alerts_regulator_notified",
			Help: "Alerts with the regulator notification flag set",
		}),
		ActiveRules: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_engine_rules_active",
			Help: "Rules loaded in the detection catalog",
		}),
		PendingNotifications: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_engine_notifications_pending",
			Help: "Notification rows awaiting delivery",
		}),

		shutdownChan: make(chan struct{}),
	}
}

// ObserveAlertRaised counts one created alert.
func (c *Collector) ObserveAlertRaised(regime string, severity int) {
	c.AlertsRaised.WithLabelValues(regime, strconv.Itoa(severity)).Inc()
}

// ObserveDuplicateAbsorbed counts one candidate folded into an open alert.
func (c *Collector) ObserveDuplicateAbsorbed() {
	c.DuplicatesAbsorbed.Inc()
}

// ObserveTransition counts one status transition.
func (c *Collector) ObserveTransition(toStatus string) {
	c.Transitions.WithLabelValues(toStatus).Inc()
}

// ObserveNotification counts one delivery outcome.
func (c *Collector) ObserveNotification(channel, status string) {
	c.NotificationsSent.WithLabelValues(channel, status).Inc()
}

// ObserveAuditWrite counts one audit trail write outcome.
func (c *Collector) ObserveAuditWrite(result string) {
	c.AuditWrites.WithLabelValues(result).Inc()
}

// Start launches the gauge refresh routine.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.wg.Add(1)
	go c.pollRoutine(ctx, interval)
}

// Stop halts the refresh routine.
func (c *Collector) Stop() {
	close(c.shutdownChan)
	c.wg.Wait()
}

func (c *Collector) pollRoutine(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdownChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshGauges(ctx)
		}
	}
}

func (c *Collector) refreshGauges(ctx context.Context) {
	stats, err := c.alerts.Stats(ctx)
	if err != nil {
		c.logger.Error("Failed to collect alert stats", "error", err)
		return
	}
	c.OpenAlerts.Set(float64(stats.New + stats.InProgress))
	c.EscalatedAlerts.Set(float64(stats.Escalated))
	c.RegulatorNotified.Set(float64(stats.RegulatorNotified))
	c.ActiveRules.Set(float64(c.rules.Size()))

	if n, err := c.pending.CountPending(ctx); err != nil {
		c.logger.Error("Failed to count pending notifications", "error", err)
	} else {
		c.PendingNotifications.Set(float64(n))
	}
}
