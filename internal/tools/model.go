package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// ModelConfig points at the LLM service.
type ModelConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	ModelTier string        `mapstructure:"model_tier"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ModelReply is the decoded /agent/query response.
type ModelReply struct {
	Text       string
	Model      string
	TokensUsed int
}

// ModelClient calls the LLM service /agent/query endpoint.
type ModelClient struct {
	cfg  ModelConfig
	http *httpCaller
}

// NewModelClient creates a client. Calls share the ai_analysis rate limit and breaker.
func NewModelClient(cfg ModelConfig, client *http.Client, limits *ratecontrol.Controller, logger *zap.Logger) *ModelClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://llm-service:8000"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &ModelClient{cfg: cfg, http: newHTTPCaller("ai_analysis", client, limits, 0, logger)}
}

// Timeout is the configured per-call ceiling.
func (c *ModelClient) Timeout() time.Duration { return c.cfg.Timeout }

// Query sends one prompt. agentID is recorded by the LLM service for observability.
func (c *ModelClient) Query(ctx context.Context, agentID, prompt string, extra map[string]interface{}) (*ModelReply, error) {
	reqCtx := map[string]interface{}{"mode": "diligence"}
	for k, v := range extra {
		reqCtx[k] = v
	}
	body := map[string]interface{}{
		"query":         prompt,
		"context":       reqCtx,
		"allowed_tools": []string{},
		"agent_id":      agentID,
		"max_tokens":    c.cfg.MaxTokens,
	}
	if c.cfg.ModelTier != "" {
		body["model_tier"] = c.cfg.ModelTier
	}

	raw, err := c.http.postJSON(ctx, strings.TrimRight(c.cfg.BaseURL, "/")+"/agent/query", body, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, NewError(ErrInvalidResponse, "llm service returned non-JSON body")
	}
	res := gjson.ParseBytes(raw)
	text := strings.TrimSpace(res.Get("response").String())
	if text == "" {
		return nil, NewError(ErrInvalidResponse, "llm service returned an empty response")
	}
	return &ModelReply{
		Text:       text,
		Model:      res.Get("model_used").String(),
		TokensUsed: int(res.Get("tokens_used").Int()),
	}, nil
}

// ModelAdapter asks the model to analyse the target for one thesis category.
type ModelAdapter struct {
	client *ModelClient
	logger *zap.Logger
}

// NewModelAdapter creates the ai_analysis adapter.
func NewModelAdapter(client *ModelClient, logger *zap.Logger) *ModelAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelAdapter{client: client, logger: logger}
}

func (a *ModelAdapter) Name() string                    { return "ai_analysis" }
func (a *ModelAdapter) Version() string                 { return "1.0.0" }
func (a *ModelAdapter) MaxExecutionTime() time.Duration { return a.client.Timeout() }
func (a *ModelAdapter) Idempotency() Idempotency        { return SafeToRetry }

// Execute expects params["prompt"], or params["company"] plus params["category"]
// from which a prompt is built.
func (a *ModelAdapter) Execute(ctx context.Context, params Params) (*Result, error) {
	prompt := strings.TrimSpace(params.String("prompt"))
	category := params.String("category")
	company := params.String("company")
	if prompt == "" {
		if company == "" {
			return nil, errs.Invalid("ai_analysis requires a prompt or a company")
		}
		prompt = AnalysisPrompt(company, params.String("domain"), category)
	}

	reply, err := a.client.Query(ctx, "diligence-"+a.Name(), prompt, map[string]interface{}{"category": category})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	item := &models.EvidenceItem{
		Type:     models.EvidenceAIAnalysis,
		Category: category,
		Source:   models.EvidenceSource{API: "llm-service/agent/query", Query: prompt, Tool: a.Name(), RetrievedAt: now},
		Content: models.EvidenceContent{
			Raw:       reply.Text,
			Processed: util.CollapseWhitespace(reply.Text),
			Summary:   util.TruncateString(util.CollapseWhitespace(reply.Text), 300, true),
		},
		// Model output is unsourced until cited against collected evidence.
		Metadata: models.EvidenceMetadata{Confidence: 0.5, Relevance: 0.8, TokenCount: reply.TokensUsed},
		Breadcrumbs: []models.Breadcrumb{{
			Step:             "model_analysis",
			Query:            util.TruncateString(prompt, 200, true),
			ExtractionMethod: "llm_completion",
			At:               now,
		}},
		Detail: models.AIAnalysisDetail{
			Model:      reply.Model,
			Prompt:     util.TruncateString(prompt, 500, true),
			TokensUsed: reply.TokensUsed,
		},
	}
	return &Result{
		Evidence:       []*models.EvidenceItem{item},
		Summary:        fmt.Sprintf("%s analysis via %s (%d tokens)", category, reply.Model, reply.TokensUsed),
		APICallsMade:   1,
		BytesProcessed: int64(len(reply.Text)),
	}, nil
}

// AnalysisPrompt builds the default per-category analysis prompt.
func AnalysisPrompt(company, domain, category string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are assisting with commercial due diligence on %s", company)
	if domain != "" {
		fmt.Fprintf(&b, " (%s)", domain)
	}
	b.WriteString(".\n")
	if category != "" {
		fmt.Fprintf(&b, "Focus on the %s dimension. ", strings.ReplaceAll(category, "_", " "))
	}
	b.WriteString("List concrete, verifiable observations with their sources, then the main upsides and risks. Do not speculate beyond public information.")
	return b.String()
}
