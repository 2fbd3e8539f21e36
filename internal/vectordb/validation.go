package vectordb

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// DimensionMismatchError means the embedding model and the collection disagree
// on vector size; every upsert would be rejected.
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("collection %s stores %d-dimensional vectors, embeddings are configured for %d",
		e.Collection, e.ReceivedDimension, e.ExpectedDimension)
}

// ValidateEmbeddingDimensions checks the collection against
// ExpectedEmbeddingDim. An unreachable Qdrant is logged and tolerated; a
// mismatch is a configuration error.
func (c *Client) ValidateEmbeddingDimensions(ctx context.Context) error {
	if c == nil || c.cfg.ExpectedEmbeddingDim <= 0 {
		return nil
	}
	reply, err := c.call(ctx, "collection info", http.MethodGet, c.collectionPath(""), nil)
	if err != nil {
		c.log.Warn("Skipping vector dimension check",
			zap.String("collection", c.cfg.Collection),
			zap.Error(err))
		return nil
	}
	size := int(reply.Get("result.config.params.vectors.size").Int())
	if size != c.cfg.ExpectedEmbeddingDim {
		return errs.WithHintf(errs.WrapKind(DimensionMismatchError{
			Collection:        c.cfg.Collection,
			ExpectedDimension: c.cfg.ExpectedEmbeddingDim,
			ReceivedDimension: size,
		}, errs.KindConfig, "vector index"),
			"change embeddings.model or recreate %s with size %d", c.cfg.Collection, c.cfg.ExpectedEmbeddingDim)
	}
	c.log.Info("Vector dimension validated",
		zap.String("collection", c.cfg.Collection),
		zap.Int("dimension", size),
		zap.Int64("points", reply.Get("result.points_count").Int()))
	return nil
}
