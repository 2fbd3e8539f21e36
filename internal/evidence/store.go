// Package evidence stores collected evidence and serves the lookups the
// quality scorer and citation linker need.
package evidence

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Filter selects items for ListItems. Zero fields match everything.
type Filter struct {
	CollectionID string
	ExecutionID  string
	StageName    string
	Category     string
	Type         models.EvidenceType
	Limit        int
}

// Hit is one ranked lookup result.
type Hit struct {
	Item  *models.EvidenceItem
	Score float64
}

// Store persists evidence. Writes are append-style: items are inserted once and
// afterwards only the usage counter and a missing embedding may change.
type Store interface {
	CreateCollection(ctx context.Context, c *models.EvidenceCollection) error
	GetCollection(ctx context.Context, id string) (*models.EvidenceCollection, error)
	SetCollectionStatus(ctx context.Context, id string, status models.CollectionStatus) error

	// AppendItems validates and inserts all items or none.
	AppendItems(ctx context.Context, items []*models.EvidenceItem) error
	GetItem(ctx context.Context, id string) (*models.EvidenceItem, error)
	// ListItems returns items in insertion order.
	ListItems(ctx context.Context, f Filter) ([]*models.EvidenceItem, error)
	// Fingerprints returns the fingerprints already present in a collection.
	Fingerprints(ctx context.Context, collectionID string) (map[string]struct{}, error)
	IncrementUsage(ctx context.Context, itemID string, delta int) error
	// SetEmbedding stores vec only when the item has none yet and reports whether it wrote.
	SetEmbedding(ctx context.Context, itemID string, vec []float32) (bool, error)

	SearchText(ctx context.Context, collectionID, query string, limit int) ([]Hit, error)
	SearchSimilar(ctx context.Context, collectionID string, vec []float32, limit int, minScore float64) ([]Hit, error)

	SaveCitations(ctx context.Context, citations []*models.Citation) error
	ListCitations(ctx context.Context, reportID string) ([]*models.Citation, error)

	RecordSearch(ctx context.Context, rec *models.SearchRecord) error
	ListSearches(ctx context.Context, executionID string) ([]*models.SearchRecord, error)
}

// Validate checks a batch before it is appended.
func Validate(items []*models.EvidenceItem) error {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it == nil {
			return errNilItem
		}
		if it.ID == "" {
			return errMissingID
		}
		if _, dup := seen[it.ID]; dup {
			return duplicateID(it.ID)
		}
		seen[it.ID] = struct{}{}
		if err := it.Validate(); err != nil {
			return invalidItem(err)
		}
	}
	return nil
}
