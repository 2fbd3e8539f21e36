package evidence

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// Cosine returns the cosine similarity of a and b, or 0 when the vectors are
// empty, of different length or zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// KeywordOverlap is the fraction of query keywords found in text.
func KeywordOverlap(queryKeywords []string, text string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}
	have := lo.SliceToMap(util.Keywords(text), func(k string) (string, struct{}) { return k, struct{}{} })
	n := lo.CountBy(queryKeywords, func(k string) bool {
		_, ok := have[k]
		return ok
	})
	return float64(n) / float64(len(queryKeywords))
}

// SearchableText is what keyword matching sees for an item.
func SearchableText(it *models.EvidenceItem) string {
	return it.Content.Summary + " " + it.Content.Text() + " " + it.Category + " " + it.Source.Query
}

// RankText scores items by keyword overlap with query and keeps those above zero.
func RankText(items []*models.EvidenceItem, query string, limit int) []Hit {
	kw := util.Keywords(query)
	hits := make([]Hit, 0, len(items))
	for _, it := range items {
		if s := KeywordOverlap(kw, SearchableText(it)); s > 0 {
			hits = append(hits, Hit{Item: it, Score: s})
		}
	}
	return topHits(hits, limit)
}

// RankSimilar scores items by embedding similarity and keeps those at or above minScore.
func RankSimilar(items []*models.EvidenceItem, vec []float32, limit int, minScore float64) []Hit {
	hits := make([]Hit, 0, len(items))
	for _, it := range items {
		if len(it.Embedding) == 0 {
			continue
		}
		if s := Cosine(vec, it.Embedding); s >= minScore && s > 0 {
			hits = append(hits, Hit{Item: it, Score: s})
		}
	}
	return topHits(hits, limit)
}

// topHits orders by score descending, then id, so equal scores rank stably.
func topHits(hits []Hit, limit int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Item.ID < hits[j].Item.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
