package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ratecontrol"
)

// SearchConfig configures the web search adapter. The API is expected to
// answer in the Google Custom Search JSON shape (items[].link/title/snippet);
// a top-level results[].url/title/content array is accepted as well.
type SearchConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	EngineID   string        `mapstructure:"engine_id"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SearchAdapter issues one query against a web search API.
type SearchAdapter struct {
	cfg    SearchConfig
	http   *httpCaller
	logger *zap.Logger
}

// NewSearchAdapter creates the web_search adapter.
func NewSearchAdapter(cfg SearchConfig, client *http.Client, limits *ratecontrol.Controller, logger *zap.Logger) *SearchAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://www.googleapis.com/customsearch/v1"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &SearchAdapter{
		cfg:    cfg,
		http:   newHTTPCaller("web_search", client, limits, 0, logger),
		logger: logger,
	}
}

func (a *SearchAdapter) Name() string                    { return "web_search" }
func (a *SearchAdapter) Version() string                 { return "1.2.0" }
func (a *SearchAdapter) MaxExecutionTime() time.Duration { return a.cfg.Timeout }
func (a *SearchAdapter) Idempotency() Idempotency        { return SafeToRetry }

// Execute runs params["query"] and returns one search_result item per hit.
func (a *SearchAdapter) Execute(ctx context.Context, params Params) (*Result, error) {
	query := strings.TrimSpace(params.String("query"))
	if query == "" {
		return nil, errs.Invalid("web_search requires a query")
	}
	num := params.Int("num", a.cfg.MaxResults)
	if num > a.cfg.MaxResults {
		num = a.cfg.MaxResults
	}

	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil {
		return nil, errs.Config("invalid search endpoint %q: %v", a.cfg.Endpoint, err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("num", strconv.Itoa(num))
	if a.cfg.APIKey != "" {
		q.Set("key", a.cfg.APIKey)
	}
	if a.cfg.EngineID != "" {
		q.Set("cx", a.cfg.EngineID)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.Invalid("build search request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	body, _, err := a.http.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, NewError(ErrInvalidResponse, "search response is not JSON")
	}

	hits := parseSearchHits(body)
	if len(hits) > num {
		hits = hits[:num]
	}

	now := time.Now().UTC()
	category := params.String("category")
	items := make([]*models.EvidenceItem, 0, len(hits))
	for i, h := range hits {
		items = append(items, &models.EvidenceItem{
			Type:     models.EvidenceSearchResult,
			Category: category,
			Source: models.EvidenceSource{
				URL:         h.URL,
				Query:       query,
				API:         u.Host,
				Tool:        a.Name(),
				RetrievedAt: now,
			},
			Content: models.EvidenceContent{
				Raw:       h.Snippet,
				Processed: strings.TrimSpace(h.Title + ". " + h.Snippet),
				Summary:   h.Snippet,
			},
			Metadata: models.EvidenceMetadata{
				Confidence: 0.5,
				Relevance:  rankRelevance(i),
				TokenCount: approxTokens(h.Title + " " + h.Snippet),
			},
			Breadcrumbs: []models.Breadcrumb{{
				Step:             "search",
				Query:            query,
				URL:              h.URL,
				ExtractionMethod: "search_api",
				Selectors:        h.selectors,
				At:               now,
			}},
			Detail: models.SearchResultDetail{Query: query, Rank: i + 1, Title: h.Title, Snippet: h.Snippet},
		})
	}

	return &Result{
		Evidence:       items,
		Summary:        fmt.Sprintf("%d results for %q", len(items), query),
		APICallsMade:   1,
		BytesProcessed: int64(len(body)),
	}, nil
}

type searchHit struct {
	URL, Title, Snippet string
	selectors           []string
}

func parseSearchHits(body []byte) []searchHit {
	var hits []searchHit
	gjson.GetBytes(body, "items").ForEach(func(_, v gjson.Result) bool {
		if link := v.Get("link").String(); link != "" {
			hits = append(hits, searchHit{URL: link, Title: v.Get("title").String(), Snippet: v.Get("snippet").String(), selectors: []string{"items[].link", "items[].snippet"}})
		}
		return true
	})
	if len(hits) > 0 {
		return hits
	}
	gjson.GetBytes(body, "results").ForEach(func(_, v gjson.Result) bool {
		if link := v.Get("url").String(); link != "" {
			hits = append(hits, searchHit{URL: link, Title: v.Get("title").String(), Snippet: v.Get("content").String(), selectors: []string{"results[].url", "results[].content"}})
		}
		return true
	})
	return hits
}

// rankRelevance decays with result rank and never drops below 0.2.
func rankRelevance(rank int) float64 {
	r := 1.0 - 0.08*float64(rank)
	if r < 0.2 {
		return 0.2
	}
	return r
}

func approxTokens(s string) int {
	return len(strings.Fields(s)) * 4 / 3
}
