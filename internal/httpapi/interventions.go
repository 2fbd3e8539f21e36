package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/orchestrator"
)

// POST /v1/interventions
//
// A rejected intervention is still recorded in the ledger; its id comes back
// as ledger_ref next to the error.
func (h *Handler) handleIntervene(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.InterventionRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = operatorName(r)
	}

	iv, err := h.pipeline.Intervene(r.Context(), req)
	if err != nil {
		ref := req.ExecutionID
		if iv != nil {
			ref = iv.ID
		}
		h.logger.Warn("Intervention rejected",
			zap.String("execution_id", req.ExecutionID),
			zap.String("type", string(req.Type)),
			zap.String("requested_by", req.RequestedBy),
			zap.Error(err),
		)
		h.writeError(w, r, err, ref)
		return
	}

	h.logger.Info("Intervention applied",
		zap.String("execution_id", iv.ExecutionID),
		zap.String("intervention_id", iv.ID),
		zap.String("type", string(iv.Type)),
		zap.String("requested_by", iv.RequestedBy),
	)
	writeJSON(w, http.StatusOK, iv)
}
