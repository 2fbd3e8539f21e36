package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

// streamParams are the query parameters shared by the SSE and WebSocket streams.
type streamParams struct {
	executionID string
	types       map[string]struct{}
	lastID      uint64
}

func parseStreamParams(r *http.Request) (streamParams, error) {
	p := streamParams{
		executionID: r.URL.Query().Get("execution_id"),
		types:       map[string]struct{}{},
	}
	if p.executionID == "" {
		return p, errs.Invalid("execution_id required")
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query parameter.
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if p.lastID == 0 {
		p.lastID = queryUint(r, "last_event_id")
	}
	return p, nil
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[evt.Type]
	return ok
}

// handleSSE streams events for an execution via Server-Sent Events.
// GET /v1/stream/sse?execution_id=<id>&types=a,b&last_event_id=<seq>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.stream.Subscribe(p.executionID, 256)
	defer h.stream.Unsubscribe(p.executionID, ch)

	fmt.Fprintf(w, ": connected to execution %s\n\n", p.executionID)
	flusher.Flush()

	write := func(evt streaming.Event) {
		if evt.Seq > 0 {
			fmt.Fprintf(w, "id: %d\n", evt.Seq)
		}
		if evt.Type != "" {
			fmt.Fprintf(w, "event: %s\n", evt.Type)
		}
		fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
	}

	// Replay backlog since lastID (best-effort)
	if p.lastID > 0 {
		for _, evt := range h.stream.ReplaySince(p.executionID, p.lastID) {
			if p.wants(evt) {
				write(evt)
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("execution_id", p.executionID))
			return
		case evt := <-ch:
			if !p.wants(evt) {
				continue
			}
			write(evt)
			flusher.Flush()
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
