package httpapi

import (
	"net/http"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// GET /v1/alerts?execution_id=&status=&min_severity=&limit=
func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	q := r.URL.Query()
	alerts, err := h.ledger.Alerts(r.Context(), ledger.AlertFilter{
		ExecutionID: q.Get("execution_id"),
		Status:      models.AlertStatus(q.Get("status")),
		MinSeverity: models.Severity(q.Get("min_severity")),
		Limit:       limit,
	})
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

type alertStatusRequest struct {
	Status models.AlertStatus `json:"status"`
}

// POST /v1/alerts/{id}/status
func (h *Handler) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req alertStatusRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err, id)
		return
	}
	change := ledger.AlertStatusChange{AlertID: id, Status: req.Status, ChangedBy: operatorName(r), ChangedAt: time.Now().UTC()}
	if err := h.ledger.SetAlertStatus(r.Context(), change); err != nil {
		h.writeError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, change)
}
