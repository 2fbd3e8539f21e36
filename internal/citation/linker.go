// Package citation links synthesized claims to the evidence that supports them.
package citation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// Claim is one statement produced during synthesis.
type Claim struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Context    string  `json:"context,omitempty"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence"`
	// EvidenceIDs restricts candidates to these items. Every id must exist.
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Config bounds how many items a claim may cite and how relevant they must be.
type Config struct {
	MaxPerClaim  int     `mapstructure:"max_per_claim"`
	MinRelevance float64 `mapstructure:"min_relevance"`
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{MaxPerClaim: 3, MinRelevance: 0.25}

// Target identifies where citations are attached.
type Target struct {
	ReportID     string
	ExecutionID  string
	CollectionID string
}

// Result is the outcome of linking a batch of claims.
type Result struct {
	Citations []*models.Citation
	// ByClaim maps claim id to the evidence ids cited for it, best first.
	ByClaim map[string][]string
	// Unverified lists claims that had no evidence above the relevance threshold.
	Unverified []Claim
}

// Verified reports whether a claim got at least one citation.
func (r *Result) Verified(claimID string) bool {
	return len(r.ByClaim[claimID]) > 0
}

// Linker selects supporting evidence for claims.
type Linker struct {
	svc    *evidence.Service
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewLinker creates a Linker over the evidence service.
func NewLinker(svc *evidence.Service, cfg Config, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPerClaim <= 0 {
		cfg.MaxPerClaim = DefaultConfig.MaxPerClaim
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = DefaultConfig.MinRelevance
	}
	return &Linker{svc: svc, cfg: cfg, logger: logger, now: time.Now}
}

type scored struct {
	item      *models.EvidenceItem
	relevance float64
}

// Link cites evidence for every claim, persists the citations and bumps the
// usage counter of each cited item. An explicit evidence id that does not
// exist fails the whole batch with an integrity error and nothing is written.
func (l *Linker) Link(ctx context.Context, t Target, claims []Claim) (*Result, error) {
	if err := checkClaims(claims); err != nil {
		return nil, err
	}
	store := l.svc.Store()

	explicit, err := l.resolveExplicit(ctx, claims)
	if err != nil {
		return nil, err
	}
	pool, err := store.ListItems(ctx, evidence.Filter{CollectionID: t.CollectionID})
	if err != nil {
		return nil, errs.Wrap(err, "list evidence for citation")
	}

	res := &Result{ByClaim: make(map[string][]string, len(claims))}
	created := l.now().UTC()
	for _, c := range claims {
		candidates := pool
		if len(c.EvidenceIDs) > 0 {
			candidates = explicit[c.ID]
		}
		picked := l.rank(ctx, c, candidates)
		if len(picked) == 0 {
			res.Unverified = append(res.Unverified, c)
			metrics.CitationsLinked.WithLabelValues("unverified").Inc()
			continue
		}
		metrics.CitationsLinked.WithLabelValues("verified").Inc()
		for _, s := range picked {
			res.Citations = append(res.Citations, &models.Citation{
				ID:                 uuid.New().String(),
				ReportID:           t.ReportID,
				ExecutionID:        t.ExecutionID,
				ClaimID:            c.ID,
				ClaimText:          c.Text,
				ClaimContext:       c.Context,
				EvidenceID:         s.item.ID,
				Confidence:         citationConfidence(c.Confidence, s.item.Metadata.Confidence),
				Relevance:          util.Round(s.relevance, 4),
				VerificationStatus: models.VerificationPending,
				CreatedAt:          created,
			})
			res.ByClaim[c.ID] = append(res.ByClaim[c.ID], s.item.ID)
		}
	}

	if len(res.Citations) == 0 {
		return res, nil
	}
	if err := store.SaveCitations(ctx, res.Citations); err != nil {
		return nil, errs.Wrap(err, "save citations")
	}
	for _, cit := range res.Citations {
		if err := store.IncrementUsage(ctx, cit.EvidenceID, 1); err != nil {
			return nil, errs.Wrapf(err, "increment usage of %s", cit.EvidenceID)
		}
	}
	l.logger.Debug("Linked citations",
		zap.String("report_id", t.ReportID),
		zap.Int("claims", len(claims)),
		zap.Int("citations", len(res.Citations)),
		zap.Int("unverified", len(res.Unverified)),
	)
	return res, nil
}

func checkClaims(claims []Claim) error {
	seen := make(map[string]struct{}, len(claims))
	for _, c := range claims {
		if c.ID == "" {
			return errs.Invalid("claim without id")
		}
		if _, dup := seen[c.ID]; dup {
			return errs.Invalid("duplicate claim id %s", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Confidence < 0 || c.Confidence > 1 {
			return errs.Invalid("claim %s: confidence %.3f outside [0,1]", c.ID, c.Confidence)
		}
	}
	return nil
}

// resolveExplicit loads every explicitly referenced item before anything is written.
func (l *Linker) resolveExplicit(ctx context.Context, claims []Claim) (map[string][]*models.EvidenceItem, error) {
	out := make(map[string][]*models.EvidenceItem)
	cache := make(map[string]*models.EvidenceItem)
	for _, c := range claims {
		for _, id := range c.EvidenceIDs {
			it, ok := cache[id]
			if !ok {
				var err error
				it, err = l.svc.Store().GetItem(ctx, id)
				if errs.IsNotFound(err) {
					return nil, errs.Integrity("claim %s references missing evidence %s", c.ID, id)
				}
				if err != nil {
					return nil, errs.Wrapf(err, "load evidence %s", id)
				}
				cache[id] = it
			}
			out[c.ID] = append(out[c.ID], it)
		}
	}
	return out, nil
}

// rank returns the top MaxPerClaim candidates at or above MinRelevance.
func (l *Linker) rank(ctx context.Context, c Claim, candidates []*models.EvidenceItem) []scored {
	if len(candidates) == 0 || c.Text == "" {
		return nil
	}
	vec, err := l.svc.Embed(ctx, c.Text)
	if err != nil {
		l.logger.Warn("Claim embedding failed, using keyword relevance",
			zap.String("claim_id", c.ID), zap.Error(err))
		vec = nil
	}
	kw := util.Keywords(c.Text + " " + c.Context)

	picked := make([]scored, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, it := range candidates {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		r := Relevance(vec, kw, it)
		if r > 0 && r >= l.cfg.MinRelevance {
			picked = append(picked, scored{item: it, relevance: r})
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].relevance != picked[j].relevance {
			return picked[i].relevance > picked[j].relevance
		}
		return picked[i].item.ID < picked[j].item.ID
	})
	if len(picked) > l.cfg.MaxPerClaim {
		picked = picked[:l.cfg.MaxPerClaim]
	}
	return picked
}

// Relevance is the larger of embedding similarity (when both vectors exist)
// and keyword overlap between the claim and the item.
func Relevance(claimVec []float32, claimKeywords []string, it *models.EvidenceItem) float64 {
	kw := evidence.KeywordOverlap(claimKeywords, evidence.SearchableText(it))
	if len(claimVec) == 0 || len(it.Embedding) == 0 {
		return kw
	}
	cos := evidence.Cosine(claimVec, it.Embedding)
	if cos > kw {
		return util.Clamp(cos, 0, 1)
	}
	return kw
}

func citationConfidence(claim, item float64) float64 {
	if item < claim {
		return util.Clamp(item, 0, 1)
	}
	return util.Clamp(claim, 0, 1)
}
