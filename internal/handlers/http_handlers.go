package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/antonmedv/expr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinisafe/compliance-engine/internal/database"
	"github.com/clinisafe/compliance-engine/internal/engine"
	"github.com/clinisafe/compliance-engine/internal/lifecycle"
	"github.com/clinisafe/compliance-engine/internal/metrics"
	"github.com/clinisafe/compliance-engine/internal/scheduler"
)

// HTTPHandler exposes the engine over REST.
type HTTPHandler struct {
	logger           *slog.Logger
	detector         *engine.Detector
	catalog          *engine.Catalog
	lifecycleMgr     *lifecycle.Manager
	alertRepo        *database.AlertRepository
	ruleRepo         *database.RuleRepository
	alertTypeRepo    *database.AlertTypeRepository
	notificationRepo *database.NotificationRepository
	auditRepo        *database.AuditRepository
	scheduler        *scheduler.Scheduler
	collector        *metrics.Collector
	hub              *Hub
}

// NewHTTPHandler creates the REST handler.
func NewHTTPHandler(
	detector *engine.Detector,
	catalog *engine.Catalog,
	lifecycleMgr *lifecycle.Manager,
	alertRepo *database.AlertRepository,
	ruleRepo *database.RuleRepository,
	alertTypeRepo *database.AlertTypeRepository,
	notificationRepo *database.NotificationRepository,
	auditRepo *database.AuditRepository,
	sched *scheduler.Scheduler,
	collector *metrics.Collector,
	hub *Hub,
	logger *slog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		logger:           logger,
		detector:         detector,
		catalog:          catalog,
		lifecycleMgr:     lifecycleMgr,
		alertRepo:        alertRepo,
		ruleRepo:         ruleRepo,
		alertTypeRepo:    alertTypeRepo,
		notificationRepo: notificationRepo,
		auditRepo:        auditRepo,
		scheduler:        sched,
		collector:        collector,
		hub:              hub,
	}
}

// RegisterRoutes registers all REST routes.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/stats", h.handleAlertStats).Methods("GET")

	events := api.PathPrefix("/events").Subrouter()
	events.HandleFunc("/measurements", h.handleMeasurementEvent).Methods("POST")
	events.HandleFunc("/accesses", h.handleAccessEvent).Methods("POST")
	events.HandleFunc("/exports", h.handleExportEvent).Methods("POST")

	alerts := api.PathPrefix("/alerts").Subrouter()
	alerts.HandleFunc("", h.handleListAlerts).Methods("GET")
	alerts.HandleFunc("/stats", h.handleAlertStats).Methods("GET")
	alerts.HandleFunc("/stream", h.hub.HandleStream)
	alerts.HandleFunc("/{id}", h.handleGetAlert).Methods("GET")
	alerts.HandleFunc("/{id}/transition", h.handleTransitionAlert).Methods("POST")

	rules := api.PathPrefix("/rules").Subrouter()
	rules.HandleFunc("", h.handleCreateRule).Methods("POST")
	rules.HandleFunc("", h.handleListRules).Methods("GET")
	rules.HandleFunc("/reload", h.handleReloadRules).Methods("POST")
	rules.HandleFunc("/{id}", h.handleGetRule).Methods("GET")
	rules.HandleFunc("/{id}", h.handleUpdateRule).Methods("PUT")
	rules.HandleFunc("/{id}/activate", h.handleRuleActive(true)).Methods("POST")
	rules.HandleFunc("/{id}/deactivate", h.handleRuleActive(false)).Methods("POST")

	api.HandleFunc("/alert-types", h.handleListAlertTypes).Methods("GET")

	notifications := api.PathPrefix("/notifications").Subrouter()
	notifications.HandleFunc("", h.handleListNotifications).Methods("GET")
	notifications.HandleFunc("/{id}/read", h.handleMarkNotificationRead).Methods("POST")

	api.HandleFunc("/audit", h.handleListAudit).Methods("GET")

	sched := api.PathPrefix("/scheduler").Subrouter()
	sched.HandleFunc("/tasks", h.handleSchedulerTasks).Methods("GET")
	sched.HandleFunc("/tasks/{name}/run", h.handleRunTask).Methods("POST")
}

// MetricsMiddleware records request counts and latency per route.
func (h *HTTPHandler) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.collector.HTTPRequests.With(prometheus.Labels{
			"route":  route,
			"method": r.Method,
			"code":   strconv.Itoa(recorder.status),
		}).Inc()
		h.collector.HTTPDuration.With(prometheus.Labels{
			"route":  route,
			"method": r.Method,
		}).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "compliance-engine",
		"timestamp":      time.Now().UTC(),
		"active_rules":   h.catalog.Size(),
		"stream_clients": h.hub.ClientCount(),
	})
}

// Event ingestion

func (h *HTTPHandler) handleMeasurementEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.MeasurementEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	start := time.Now()
	candidate, err := h.detector.HandleMeasurement(r.Context(), ev)
	h.observeDetection("measurement", start, candidate, err)
	if err != nil {
		h.writeDetectionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, detectionResponse(candidate))
}

func (h *HTTPHandler) handleAccessEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.AccessEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	start := time.Now()
	candidate, err := h.detector.HandleAccess(r.Context(), ev)
	h.observeDetection("access", start, candidate, err)
	if err != nil {
		h.writeDetectionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, detectionResponse(candidate))
}

func (h *HTTPHandler) handleExportEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.ExportEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	start := time.Now()
	candidate, err := h.detector.HandleExport(r.Context(), ev)
	h.observeDetection("export", start, candidate, err)
	if err != nil {
		h.writeDetectionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, detectionResponse(candidate))
}

func (h *HTTPHandler) observeDetection(eventType string, start time.Time, candidate *engine.Candidate, err error) {
	result := "clean"
	switch {
	case err != nil:
		result = "error"
	case candidate != nil:
		result = "violation"
	}
	h.collector.EventsProcessed.With(prometheus.Labels{
		"event_type": eventType,
		"result":     result,
	}).Inc()
	h.collector.DetectionDuration.Observe(time.Since(start).Seconds())
}

func (h *HTTPHandler) writeDetectionError(w http.ResponseWriter, err error) {
	var validationErr *engine.ValidationError
	if errors.As(err, &validationErr) {
		h.writeError(w, http.StatusBadRequest, validationErr.Error())
		return
	}
	h.logger.Error("Event processing failed", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Event processing failed")
}

func detectionResponse(candidate *engine.Candidate) map[string]interface{} {
	resp := map[string]interface{}{
		"violation": candidate != nil,
	}
	if candidate != nil {
		resp["rule_id"] = candidate.RuleID
		resp["alert_type_code"] = candidate.AlertTypeCode
		resp["severity"] = candidate.Severity
		resp["action"] = candidate.Action
	}
	return resp
}

// Alerts

func (h *HTTPHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.AlertFilter{
		Status:    q.Get("status"),
		Regime:    q.Get("regime"),
		PatientID: q.Get("patient_id"),
		Limit:     intQuery(q.Get("limit"), 50),
		Offset:    intQuery(q.Get("offset"), 0),
	}
	if s := q.Get("min_severity"); s != "" {
		filter.MinSeverity = intQuery(s, 0)
	}

	alerts, total, err := h.alertRepo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list alerts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *HTTPHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alertRepo.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		h.logger.Error("Failed to get alert", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get alert")
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

func (h *HTTPHandler) handleTransitionAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status == "" || req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "status and actor are required")
		return
	}

	alert, err := h.lifecycleMgr.Transition(r.Context(), mux.Vars(r)["id"], req.Status, req.Actor, req.Note)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		switch {
		case errors.Is(err, database.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "Alert not found")
		case errors.As(err, &invalid):
			h.writeError(w, http.StatusConflict, invalid.Error())
		default:
			h.logger.Error("Failed to transition alert", "error", err)
			h.writeError(w, http.StatusInternalServerError, "Failed to transition alert")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

func (h *HTTPHandler) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.alertRepo.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to collect alert stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to collect stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Rules

type ruleRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	EventKey        string   `json:"event_key"`
	Regime          string   `json:"regime"`
	Severity        int      `json:"severity"`
	ParameterName   *string  `json:"parameter_name,omitempty"`
	ThresholdMin    *float64 `json:"threshold_min,omitempty"`
	ThresholdMax    *float64 `json:"threshold_max,omitempty"`
	Unit            *string  `json:"unit,omitempty"`
	MinCount        *int     `json:"min_count,omitempty"`
	MaxCount        *int     `json:"max_count,omitempty"`
	WindowMinutes   *int     `json:"window_minutes,omitempty"`
	Condition       *string  `json:"condition,omitempty"`
	Action          string   `json:"action"`
	NotifyOperator  bool     `json:"notify_operator"`
	NotifyDPO       bool     `json:"notify_dpo"`
	NotifyRegulator bool     `json:"notify_regulator"`
	AlertTypeCode   string   `json:"alert_type_code"`
	CreatedBy       string   `json:"created_by"`
}

func (h *HTTPHandler) validateRuleRequest(r *http.Request, req *ruleRequest) (int, string) {
	if req.Name == "" || req.EventKey == "" || req.AlertTypeCode == "" {
		return http.StatusBadRequest, "name, event_key and alert_type_code are required"
	}
	switch req.Regime {
	case database.RegimeGeneral, database.RegimeDataProtection, database.RegimeHealthPrivacy, database.RegimeLocalRegulator:
	default:
		return http.StatusBadRequest, "unknown regime " + req.Regime
	}
	if req.Severity < 1 || req.Severity > 5 {
		return http.StatusBadRequest, "severity must be between 1 and 5"
	}
	switch req.Action {
	case database.ActionNotify, database.ActionBlockAccess, database.ActionLogOnly,
		database.ActionEscalate, database.ActionForceLogout:
	default:
		return http.StatusBadRequest, "unknown action " + req.Action
	}
	if req.ThresholdMin != nil && req.ThresholdMax != nil && *req.ThresholdMin > *req.ThresholdMax {
		return http.StatusBadRequest, "threshold_min must not exceed threshold_max"
	}
	if req.Condition != nil && *req.Condition != "" {
		if _, err := expr.Compile(*req.Condition, expr.AsBool()); err != nil {
			return http.StatusBadRequest, "invalid condition: " + err.Error()
		}
	}
	if _, err := h.alertTypeRepo.GetByCode(r.Context(), req.AlertTypeCode); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return http.StatusBadRequest, "unknown alert type " + req.AlertTypeCode
		}
		return http.StatusInternalServerError, "Failed to validate alert type"
	}
	return 0, ""
}

func (req *ruleRequest) toRule() *database.ComplianceRule {
	return &database.ComplianceRule{
		Name:            req.Name,
		Description:     req.Description,
		EventKey:        database.NormalizeEventKey(req.EventKey),
		Regime:          req.Regime,
		Severity:        req.Severity,
		ParameterName:   req.ParameterName,
		ThresholdMin:    req.ThresholdMin,
		ThresholdMax:    req.ThresholdMax,
		Unit:            req.Unit,
		MinCount:        req.MinCount,
		MaxCount:        req.MaxCount,
		WindowMinutes:   req.WindowMinutes,
		Condition:       req.Condition,
		Action:          req.Action,
		NotifyOperator:  req.NotifyOperator,
		NotifyDPO:       req.NotifyDPO,
		NotifyRegulator: req.NotifyRegulator,
		AlertTypeCode:   req.AlertTypeCode,
		Active:          true,
		CreatedBy:       req.CreatedBy,
	}
}

func (h *HTTPHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if status, msg := h.validateRuleRequest(r, &req); status != 0 {
		h.writeError(w, status, msg)
		return
	}

	rule := req.toRule()
	rule.ID = uuid.New().String()
	if err := h.ruleRepo.Create(r.Context(), rule); err != nil {
		h.logger.Error("Failed to create rule", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}
	h.reloadCatalog(r)
	h.writeJSON(w, http.StatusCreated, rule)
}

/// handleUpdateRule versions the rule: the existing row is deactivated
// and a successor inserted, so alerts keep their reference to the exact
// rule version that raised them.
func (h *HTTPHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if status, msg := h.validateRuleRequest(r, &req); status != 0 {
		h.writeError(w, status, msg)
		return
	}

	previousID := mux.Vars(r)["id"]
	rule := req.toRule()
	rule.ID = uuid.New().String()
	if err := h.ruleRepo.CreateVersion(r.Context(), previousID, rule); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		h.logger.Error("Failed to version rule", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}
	h.reloadCatalog(r)
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	var (
		rules []*database.ComplianceRule
		err   error
	)
	if r.URL.Query().Get("active") == "true" {
		rules, err = h.ruleRepo.ListActive(r.Context())
	} else {
		rules, err = h.ruleRepo.List(r.Context())
	}
	if err != nil {
		h.logger.Error("Failed to list rules", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "total": len(rules)})
}

func (h *HTTPHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ruleRepo.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		h.logger.Error("Failed to get rule", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get rule")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) handleRuleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.ruleRepo.SetActive(r.Context(), id, active); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "Rule not found")
				return
			}
			h.logger.Error("Failed to toggle rule", "error", err)
			h.writeError(w, http.StatusInternalServerError, "Failed to toggle rule")
			return
		}
		h.reloadCatalog(r)
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": active})
	}
}

func (h *HTTPHandler) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Reload(r.Context()); err != nil {
		h.logger.Error("Failed to reload rule catalog", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to reload rules")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"active_rules": h.catalog.Size()})
}

func (h *HTTPHandler) reloadCatalog(r *http.Request) {
	if err := h.catalog.Reload(r.Context()); err != nil {
		h.logger.Error("Failed to reload rule catalog after change", "error", err)
	}
}

func (h *HTTPHandler) handleListAlertTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.alertTypeRepo.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list alert types", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list alert types")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alert_types": types, "total": len(types)})
}

// Notifications

func (h *HTTPHandler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		h.writeError(w, http.StatusBadRequest, "recipient query parameter is required")
		return
	}
	limit := intQuery(r.URL.Query().Get("limit"), 50)

	records, err := h.notificationRepo.ListByRecipient(r.Context(), recipient, limit)
	if err != nil {
		h.logger.Error("Failed to list notifications", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": records, "total": len(records)})
}

func (h *HTTPHandler) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.notificationRepo.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusConflict, "Notification is not a delivered internal notification")
			return
		}
		h.logger.Error("Failed to mark notification read", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to mark notification read")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": database.NotificationRead})
}

// Audit trail

func (h *HTTPHandler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.AuditFilter{
		Actor:      q.Get("actor"),
		TargetType: q.Get("target_type"),
		Limit:      intQuery(q.Get("limit"), 100),
		Offset:     intQuery(q.Get("offset"), 0),
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}

	entries, total, err := h.auditRepo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list audit entries", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list audit entries")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// Scheduler

func (h *HTTPHandler) handleSchedulerTasks(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Scheduler is disabled")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": h.scheduler.Stats()})
}

func (h *HTTPHandler) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Scheduler is disabled")
		return
	}
	name := mux.Vars(r)["name"]
	if err := h.scheduler.RunNow(name); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"task": name, "triggered": true})
}

// Helpers

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
