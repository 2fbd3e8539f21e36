// Package httpapi is the admin HTTP surface: starting executions, reading
// their state and reports, interventions, alerts and live event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Pipeline is the part of *orchestrator.Orchestrator the API drives.
type Pipeline interface {
	Start(ctx context.Context, req orchestrator.RunRequest) (*models.PipelineExecution, error)
	Intervene(ctx context.Context, req orchestrator.InterventionRequest) (*models.Intervention, error)
	Get(ctx context.Context, executionID string) (*models.PipelineExecution, error)
	Stages(ctx context.Context, executionID string) ([]*models.PipelineStage, error)
	Report(ctx context.Context, executionID string) (*models.Report, error)
}

// EventHistory returns persisted events past the in-memory replay window.
type EventHistory interface {
	Since(ctx context.Context, executionID string, since uint64) ([]streaming.Event, error)
}

// EvidenceLookup resolves cited evidence for rendered reports.
type EvidenceLookup interface {
	GetItem(ctx context.Context, id string) (*models.EvidenceItem, error)
}

// Handler serves the /v1 admin API.
type Handler struct {
	pipeline Pipeline
	ledger   ledger.Ledger
	stream   *streaming.Manager
	history  EventHistory
	evidence EvidenceLookup
	logger   *zap.Logger
}

// NewHandler wires the API. history may be nil.
func NewHandler(p Pipeline, l ledger.Ledger, stream *streaming.Manager, history EventHistory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pipeline: p, ledger: l, stream: stream, history: history, logger: logger}
}

// WithEvidence lets Markdown reports list their sources.
func (h *Handler) WithEvidence(e EvidenceLookup) *Handler {
	h.evidence = e
	return h
}

// RegisterRoutes registers the API on mux. Authentication is applied by the
// caller around the whole mux; scopes are checked per route.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	read := func(f http.HandlerFunc) http.HandlerFunc { return auth.RequireScope(auth.ScopeExecutionsRead, f) }

	mux.HandleFunc("POST /v1/executions", auth.RequireScope(auth.ScopeExecutionsWrite, h.handleStart))
	mux.HandleFunc("GET /v1/executions", read(h.handleList))
	mux.HandleFunc("GET /v1/executions/{id}", read(h.handleGet))
	mux.HandleFunc("GET /v1/executions/{id}/stages", read(h.handleStages))
	mux.HandleFunc("GET /v1/executions/{id}/report", read(h.handleReport))
	mux.HandleFunc("GET /v1/executions/{id}/events", read(h.handleEvents))
	mux.HandleFunc("POST /v1/interventions", auth.RequireScope(auth.ScopeInterventionsWrite, h.handleIntervene))
	mux.HandleFunc("GET /v1/alerts", read(h.handleAlerts))
	mux.HandleFunc("POST /v1/alerts/{id}/status", auth.RequireScope(auth.ScopeAlertsWrite, h.handleAlertStatus))
	mux.HandleFunc("GET /v1/stream/sse", read(h.handleSSE))
	mux.HandleFunc("GET /v1/stream/ws", read(h.handleWS))
}

// errorBody is the error payload of every endpoint.
type errorBody struct {
	Error     string `json:"error"`
	LedgerRef string `json:"ledger_ref,omitempty"`
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInvalid:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindConfig:
		return http.StatusUnprocessableEntity
	case errs.KindTransient:
		return http.StatusServiceUnavailable
	}
	if errs.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status and writes a summary without stack detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, ledgerRef string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin API request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ledger_ref", ledgerRef),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: errs.Summary(err, ""), LedgerRef: ledgerRef})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.WrapKind(err, errs.KindInvalid, "invalid JSON")
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errs.Invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryUint(r *http.Request, key string) uint64 {
	n, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// operatorName is the authenticated subject recorded as requested_by.
func operatorName(r *http.Request) string {
	if op := auth.FromContext(r.Context()); op != nil {
		return op.Subject
	}
	return ""
}
