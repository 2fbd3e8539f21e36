package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/formatting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

// POST /v1/executions
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RunRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = operatorName(r)
	}
	exec, err := h.pipeline.Start(r.Context(), req)
	if err != nil {
		h.logger.Warn("Execution rejected",
			zap.String("target_id", req.ID),
			zap.String("thesis_id", req.ThesisID),
			zap.Error(err),
		)
		h.writeError(w, r, err, "")
		return
	}
	w.Header().Set("Location", "/v1/executions/"+exec.ID)
	writeJSON(w, http.StatusAccepted, exec)
}

// GET /v1/executions?target_id=&status=&limit=
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	execs, err := h.ledger.ListExecutions(r.Context(), ledger.ExecutionFilter{
		TargetID: r.URL.Query().Get("target_id"),
		Status:   models.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if execs == nil {
		execs = []*models.PipelineExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": execs})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := h.pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) handleStages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.pipeline.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err, id)
		return
	}
	stages, err := h.pipeline.Stages(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stages": stages})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := h.pipeline.Report(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, id)
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, rep)
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(formatting.Markdown(rep, h.citedEvidence(r.Context(), rep))))
	default:
		h.writeError(w, r, errs.Invalid("unknown report format %q", r.URL.Query().Get("format")), id)
	}
}

// citedEvidence fetches the items a report cites. Missing items are left out
// and rendered by id.
func (h *Handler) citedEvidence(ctx context.Context, rep *models.Report) map[string]*models.EvidenceItem {
	out := make(map[string]*models.EvidenceItem)
	if h.evidence == nil {
		return out
	}
	for _, id := range formatting.CitedEvidence(rep) {
		it, err := h.evidence.GetItem(ctx, id)
		if err != nil {
			h.logger.Debug("Cited evidence unavailable", zap.String("evidence_id", id), zap.Error(err))
			continue
		}
		out[id] = it
	}
	return out
}

// GET /v1/executions/{id}/events?since=
//
// Events come from the persisted log when one is configured, otherwise from
// the stream manager (Redis stream, then the in-memory ring).
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since := queryUint(r, "since")

	var (
		events []streaming.Event
		err    error
	)
	if h.history != nil {
		events, err = h.history.Since(r.Context(), id, since)
	} else {
		if events, err = h.stream.ReadStream(r.Context(), id, since); err != nil {
			err = errs.WrapKind(err, errs.KindTransient, "read event stream")
		}
	}
	if err != nil {
		h.writeError(w, r, err, id)
		return
	}
	if events == nil {
		events = []streaming.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
