package vectordb

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	ometrics "github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

var _ evidence.VectorIndex = (*Client)(nil)

// UpsertEvidence stores one point per embedded item, keyed by the item id.
// Items without an embedding are skipped.
func (c *Client) UpsertEvidence(ctx context.Context, items []*models.EvidenceItem) error {
	points := make([]point, 0, len(items))
	for _, it := range items {
		if len(it.Embedding) == 0 {
			continue
		}
		points = append(points, point{
			ID:     it.ID,
			Vector: it.Embedding,
			Payload: map[string]interface{}{
				"evidence_id":   it.ID,
				"collection_id": it.CollectionID,
				"execution_id":  it.ExecutionID,
				"type":          string(it.Type),
				"category":      it.Category,
				"confidence":    it.Metadata.Confidence,
			},
		})
	}
	if len(points) == 0 {
		return nil
	}
	reply, err := c.call(ctx, "upsert", http.MethodPut, c.collectionPath("/points"), map[string]interface{}{"points": points})
	if err != nil {
		return err
	}
	c.log.Debug("Upserted evidence vectors",
		zap.Int("points", len(points)),
		zap.String("status", reply.Get("status").String()))
	return nil
}

// SearchEvidence finds the items of one collection nearest to vec. Zero limit
// and minScore fall back to the configured TopK and Threshold.
func (c *Client) SearchEvidence(ctx context.Context, collectionID string, vec []float32, limit int, minScore float64) ([]evidence.ScoredID, error) {
	if limit <= 0 {
		limit = c.cfg.TopK
	}
	if minScore <= 0 {
		minScore = c.cfg.Threshold
	}
	hits, err := c.search(ctx, vec, limit, minScore, map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "collection_id", "match": map[string]interface{}{"value": collectionID}},
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]evidence.ScoredID, len(hits))
	for i, h := range hits {
		out[i] = evidence.ScoredID{ID: h.EvidenceID, Score: h.Score}
	}
	return out, nil
}

// search uses /points/query and falls back to /points/search on servers that
// predate it.
func (c *Client) search(ctx context.Context, vec []float32, limit int, threshold float64, filter map[string]interface{}) ([]Hit, error) {
	start := time.Now()
	status := "error"
	defer func() {
		ometrics.RecordVectorSearchMetrics(c.cfg.Collection, status, time.Since(start).Seconds())
	}()

	body := map[string]interface{}{"query": vec, "limit": limit, "with_payload": true}
	if threshold > 0 {
		body["score_threshold"] = threshold
	}
	if filter != nil {
		body["filter"] = filter
	}
	reply, err := c.call(ctx, "query", http.MethodPost, c.collectionPath("/points/query"), body)
	points := reply.Get("result.points")

	var se *StatusError
	if errs.As(err, &se) {
		delete(body, "query")
		body["vector"] = vec
		reply, err = c.call(ctx, "search", http.MethodPost, c.collectionPath("/points/search"), body)
		points = reply.Get("result")
	}
	if err != nil {
		return nil, err
	}
	status = "ok"

	hits := make([]Hit, 0, len(points.Array()))
	points.ForEach(func(_, p gjson.Result) bool {
		id := p.Get("payload.evidence_id").String()
		if id == "" {
			id = p.Get("id").String()
		}
		hits = append(hits, Hit{EvidenceID: id, Score: p.Get("score").Float()})
		return true
	})
	return hits, nil
}
