// Package handlers provides the HTTP handlers of the guard admin API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/auth"
	"github.com/telhawk-systems/telhawk-guard/internal/httputil"
	"github.com/telhawk-systems/telhawk-guard/internal/incident"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/pkg/guard"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Pinger is implemented by storage backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the guard service
type Handler struct {
	engine    *guard.Engine
	tokens    *auth.TokenManager
	publisher messaging.Publisher
	storage   Pinger
	logger    *logging.Logger
	maxBody   int64
}

// NewHandler creates a new Handler instance
func NewHandler(engine *guard.Engine) *Handler {
	return &Handler{
		engine:  engine,
		logger:  logging.Default().Component("handlers"),
		maxBody: int64(engine.Config().Server.MaxBodyBytes),
	}
}

// WithTokens enables bearer token checks on mutating endpoints.
func (h *Handler) WithTokens(tm *auth.TokenManager) *Handler {
	h.tokens = tm
	return h
}

// WithReadiness sets the dependencies consulted by /readyz.
func (h *Handler) WithReadiness(p messaging.Publisher, storage Pinger) *Handler {
	h.publisher = p
	h.storage = storage
	return h
}

func (h *Handler) WithLogger(l *logging.Logger) *Handler {
	h.logger = l
	return h
}

// Tokens returns the configured token manager, if any.
func (h *Handler) Tokens() *auth.TokenManager { return h.tokens }

// =============================================================================
// Health Check Handlers
// =============================================================================

type healthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Messaging *messaging.HealthStatus `json:"messaging,omitempty"`
	Storage   string                  `json:"storage,omitempty"`
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: "guard"})
}

// ReadyCheck handles GET /readyz
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ready", Service: "guard"}
	ready := true

	ms := messaging.CheckHealth(h.publisher)
	resp.Messaging = &ms
	if !ms.Healthy() {
		ready = false
	}

	if h.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			resp.Storage = err.Error()
			ready = false
		} else {
			resp.Storage = "ok"
		}
	}

	if !ready {
		resp.Status = "not_ready"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Request Evaluation
// =============================================================================

// CheckRequest is the body of POST /api/v1/check.
type CheckRequest struct {
	Request model.RequestContext `json:"request"`
	Payload any                  `json:"payload,omitempty"`
}

// Check handles POST /api/v1/check
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := httputil.DecodeJSON(w, r, &req, h.maxBody); err != nil {
		httputil.WriteDecodeError(w, err)
		return
	}
	if req.Request.Endpoint == "" {
		httputil.WriteError(w, http.StatusBadRequest, "request.endpoint is required")
		return
	}

	verdict := h.engine.CheckRequest(r.Context(), req.Request, req.Payload)
	status := http.StatusOK
	if !verdict.Allowed {
		status = http.StatusForbidden
	}
	httputil.WriteJSON(w, status, verdict)
}

// RecordEvent handles POST /api/v1/events
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.AuditEvent
	if err := httputil.DecodeJSON(w, r, &ev, h.maxBody); err != nil {
		httputil.WriteDecodeError(w, err)
		return
	}
	if ev.EventType == "" {
		httputil.WriteError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if ev.RiskLevel != "" && !ev.RiskLevel.Valid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid risk_level")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, h.engine.RecordEvent(ev))
}

// =============================================================================
// Alerts and Incidents
// =============================================================================

// ListAlerts handles GET /api/v1/alerts
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	httputil.WriteJSON(w, http.StatusOK, h.engine.Alerts(activeOnly))
}

// ListIncidents handles GET /api/v1/incidents
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit")) //nolint:errcheck // zero means unlimited

	f := incident.Filter{
		ActorKey:   q.Get("actor"),
		Type:       model.IndicatorType(q.Get("type")),
		Status:     model.IncidentStatus(q.Get("status")),
		ActiveOnly: q.Get("active") == "true",
		Limit:      limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.engine.Incidents(f))
}

// GetIncident handles GET /api/v1/incidents/{id}
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.engine.Incident(r.PathValue("id"))
	if err != nil {
		h.writeIncidentError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inc)
}

// UpdateIncidentRequest is the body of PATCH /api/v1/incidents/{id}.
type UpdateIncidentRequest struct {
	Status model.IncidentStatus `json:"status"`
	Notes  string               `json:"notes,omitempty"`
}

// UpdateIncident handles PATCH /api/v1/incidents/{id}
func (h *Handler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	var req UpdateIncidentRequest
	if err := httputil.DecodeJSON(w, r, &req, h.maxBody); err != nil {
		httputil.WriteDecodeError(w, err)
		return
	}
	if !req.Status.Valid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}

	analyst := "analyst"
	if c, ok := auth.ClaimsFrom(r.Context()); ok {
		analyst = c.Analyst
	}

	inc, err := h.engine.UpdateIncident(r.PathValue("id"), req.Status, analyst, req.Notes)
	if err != nil {
		h.writeIncidentError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "incident updated",
		logging.IncidentID(inc.ID), "status", string(inc.Status), "analyst", analyst)
	httputil.WriteJSON(w, http.StatusOK, inc)
}

func (h *Handler) writeIncidentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, incident.ErrInvalidTransition):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// =============================================================================
// Audit
// =============================================================================

// QueryAudit handles GET /api/v1/audit/events
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit")) //nolint:errcheck // defaults applied by the repository

	f := model.AuditFilter{
		ActorKey:  q.Get("actor"),
		EventType: q.Get("type"),
		RiskLevel: model.Severity(q.Get("risk")),
		Limit:     limit,
	}
	if f.RiskLevel != "" && !f.RiskLevel.Valid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid risk")
		return
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid "+name+" timestamp")
			return
		}
		*dst = &t
	}

	events, err := h.engine.QueryAudit(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit query failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// ListPatterns handles GET /api/v1/audit/patterns
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.Patterns())
}
