package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// UserHeader carries the authenticated user id set by the API gateway.
const UserHeader = "X-User-Id"

const maxBodyBytes = 1 << 20

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine *service.Engine
	log    *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.Engine, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine: engine,
		log:    log.Component("http"),
	}
}

// RegisterRoutes mounts the approval API on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/api/v1/approvals", h.Initiate)
	mux.HandleFunc("/api/v1/approvals/get", h.GetStatus)
	mux.HandleFunc("/api/v1/approvals/history", h.GetHistory)
	mux.HandleFunc("/api/v1/approvals/decide", h.SubmitDecision)
	mux.HandleFunc("/api/v1/approvals/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/approvals/escalate", h.Escalate)
	mux.HandleFunc("/api/v1/approvals/pending", h.Pending)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Initiate handles create approval request HTTP requests
func (h *HTTPHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req InitiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	requester, err := resolveActor(r.Header.Get(UserHeader), req.Requester, "requester")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Requester = requester

	data, err := req.toData()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.engine.Initiate(r.Context(), req.WorkflowID, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStatusResponse(status))
}

// GetStatus handles query status HTTP requests
func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}
	status, err := h.engine.QueryStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(status))
}

// GetHistory returns decisions, escalations and the audit trail of a request.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}
	hist, err := h.engine.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(hist))
}

// SubmitDecision handles approver decision HTTP requests
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	approver, err := resolveActor(r.Header.Get(UserHeader), req.Approver, "approver")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Approver = approver

	status, err := h.engine.SubmitDecision(r.Context(), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(status))
}

// Cancel handles cancel HTTP requests. Cancelling a finished request
// succeeds with noop set.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, err := resolveActor(r.Header.Get(UserHeader), req.Actor, "actor")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status, err := h.engine.Cancel(r.Context(), req.RequestID, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(status))
}

// Escalate handles manual escalation HTTP requests
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EscalateRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, err := resolveActor(r.Header.Get(UserHeader), req.Actor, "actor")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cause := repository.EscalationCause(req.Cause)
	if cause == "" {
		cause = repository.CauseManual
	}

	ev, err := h.engine.EscalateNow(r.Context(), req.RequestID, cause, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscalationView(ev))
}

// Pending lists open stages waiting on an approver. Without ?approver= the
// authenticated user is used.
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	approver := r.URL.Query().Get("approver")
	if approver == "" {
		approver = r.Header.Get(UserHeader)
	}
	stages, err := h.engine.PendingFor(r.Context(), approver)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingResponse{Approver: approver, Stages: toStageViews(stages)})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", fmt.Sprintf("malformed JSON: %v", err)))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	ev := h.log.Warn()
	if code >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", code).
		Msg("Request failed")
	writeJSON(w, code, toErrorResponse(err))
}

// httpStatus maps the error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeStaleStage, errors.ErrCodeDuplicate, errors.ErrCodeConflict, errors.ErrCodeTerminal:
		return http.StatusConflict
	case errors.ErrCodePersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
