package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// BrowserConfig configures the browser_capture adapter.
type BrowserConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ExecPath     string        `mapstructure:"exec_path"`
	WaitSelector string        `mapstructure:"wait_selector"`
	Settle       time.Duration `mapstructure:"settle"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxTextChars int           `mapstructure:"max_text_chars"`
}

// BrowserAdapter renders pages in headless Chrome so client-side content is captured.
// One browser process is shared by all calls; each call gets its own tab.
type BrowserAdapter struct {
	cfg    BrowserConfig
	limits *ratecontrol.Controller
	logger *zap.Logger

	once        sync.Once
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

// NewBrowserAdapter creates the browser_capture adapter. Chrome starts lazily on first use.
func NewBrowserAdapter(cfg BrowserConfig, limits *ratecontrol.Controller, logger *zap.Logger) *BrowserAdapter {
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = 20000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserAdapter{cfg: cfg, limits: limits, logger: logger}
}

func (a *BrowserAdapter) Name() string                    { return "browser_capture" }
func (a *BrowserAdapter) Version() string                 { return "1.0.0" }
func (a *BrowserAdapter) MaxExecutionTime() time.Duration { return a.cfg.Timeout }
func (a *BrowserAdapter) Idempotency() Idempotency        { return SafeToRetry }

func (a *BrowserAdapter) start() {
	a.once.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
		)
		if a.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(a.cfg.ExecPath))
		}
		a.allocCtx, a.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		a.browserCtx, a.browserStop = chromedp.NewContext(a.allocCtx)
		a.logger.Info("Headless browser allocator started")
	})
}

// Close shuts the shared browser down.
func (a *BrowserAdapter) Close() {
	if a.browserStop != nil {
		a.browserStop()
	}
	if a.allocCancel != nil {
		a.allocCancel()
	}
}

// Execute renders params["url"] and returns one web_page item.
func (a *BrowserAdapter) Execute(ctx context.Context, params Params) (*Result, error) {
	raw := strings.TrimSpace(params.String("url"))
	target, err := url.Parse(raw)
	if err != nil || target.Host == "" {
		return nil, errs.Invalid("browser_capture requires an absolute url, got %q", raw)
	}
	if err := a.limits.Wait(ctx, a.Name()); err != nil {
		return nil, Classify(err)
	}
	a.start()

	tabCtx, closeTab := chromedp.NewContext(a.browserCtx)
	defer closeTab()
	// chromedp contexts do not inherit the caller's deadline; bridge cancellation.
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	var title, text, rendered string
	actions := []chromedp.Action{
		chromedp.Navigate(target.String()),
		chromedp.WaitReady(a.cfg.WaitSelector, chromedp.ByQuery),
	}
	if a.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(a.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Title(&title),
		chromedp.Text("body", &text, chromedp.ByQuery),
		chromedp.OuterHTML("html", &rendered, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		return nil, &ToolError{Type: ErrUpstream, Message: "render " + target.String(), Err: err}
	}

	text = util.CollapseWhitespace(text)
	if text == "" && title == "" {
		return nil, NewError(ErrInvalidResponse, "rendered page %s is empty", target)
	}
	now := time.Now().UTC()
	body := util.TruncateString(text, a.cfg.MaxTextChars, true)
	item := &models.EvidenceItem{
		Type:     models.EvidenceWebPage,
		Category: params.String("category"),
		Source:   models.EvidenceSource{URL: target.String(), Tool: a.Name(), RetrievedAt: now},
		Content: models.EvidenceContent{
			Raw:       util.TruncateString(rendered, a.cfg.MaxTextChars, false),
			Processed: strings.TrimSpace(title + "\n" + body),
			Summary:   util.TruncateString(body, 300, true),
		},
		Metadata: models.EvidenceMetadata{Confidence: 0.6, Relevance: 0.7, TokenCount: approxTokens(body)},
		Breadcrumbs: []models.Breadcrumb{{
			Step:             "render",
			URL:              target.String(),
			ExtractionMethod: "headless_chrome",
			Selectors:        []string{a.cfg.WaitSelector, "body"},
			At:               now,
		}},
		Detail: models.WebPageDetail{
			URL:          target.String(),
			Title:        title,
			Rendered:     true,
			Technologies: DetectTechnologies([]byte(rendered), nil),
		},
	}
	return &Result{
		Evidence:       []*models.EvidenceItem{item},
		Summary:        fmt.Sprintf("rendered %s (%d chars)", target.Host, len(body)),
		APICallsMade:   1,
		BytesProcessed: int64(len(rendered)),
	}, nil
}
