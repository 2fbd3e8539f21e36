package tools

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// CrawlConfig configures the html_collector adapter.
type CrawlConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	MaxTextChars int           `mapstructure:"max_text_chars"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// CrawlAdapter fetches one page and extracts its readable content and the
// technologies its markup reveals.
type CrawlAdapter struct {
	cfg  CrawlConfig
	http *httpCaller
}

// NewCrawlAdapter creates the html_collector adapter.
func NewCrawlAdapter(cfg CrawlConfig, client *http.Client, limits *ratecontrol.Controller, logger *zap.Logger) *CrawlAdapter {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "DiligenceBot/1.0 (+https://github.com/Kocoro-lab/Shannon)"
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = 20000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CrawlAdapter{
		cfg:  cfg,
		http: newHTTPCaller("html_collector", client, limits, cfg.MaxBodyBytes, logger),
	}
}

func (a *CrawlAdapter) Name() string                    { return "html_collector" }
func (a *CrawlAdapter) Version() string                 { return "1.1.0" }
func (a *CrawlAdapter) MaxExecutionTime() time.Duration { return a.cfg.Timeout }
func (a *CrawlAdapter) Idempotency() Idempotency        { return SafeToRetry }

// Execute fetches params["url"]. It returns a web_page item and, when any
// technology is detected, a structured_data item listing them.
func (a *CrawlAdapter) Execute(ctx context.Context, params Params) (*Result, error) {
	raw := strings.TrimSpace(params.String("url"))
	target, err := url.Parse(raw)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, errs.Invalid("html_collector requires an absolute http(s) url, got %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errs.Invalid("build crawl request: %v", err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	body, resp, err := a.http.do(ctx, req)
	if err != nil {
		return nil, err
	}
	page, err := ExtractPage(body)
	if err != nil {
		return nil, NewError(ErrInvalidResponse, "parse html: %v", err)
	}
	if page.Title == "" && page.Text == "" {
		return nil, NewError(ErrInvalidResponse, "page %s has no readable content", target)
	}

	techs := DetectTechnologies(body, resp.Header)
	now := time.Now().UTC()
	category := params.String("category")

	text := util.TruncateString(page.Text, a.cfg.MaxTextChars, true)
	summary := page.Description
	if summary == "" {
		summary = util.TruncateString(page.Text, 300, true)
	}
	crumb := models.Breadcrumb{
		Step:             "crawl",
		URL:              target.String(),
		ExtractionMethod: "html_text",
		Selectors:        []string{"title", "meta[name=description]", "h1,h2,h3", "body"},
		At:               now,
	}

	items := []*models.EvidenceItem{{
		Type:     models.EvidenceWebPage,
		Category: category,
		Source:   models.EvidenceSource{URL: target.String(), Tool: a.Name(), RetrievedAt: now},
		Content: models.EvidenceContent{
			Raw:       util.TruncateString(string(body), a.cfg.MaxTextChars, false),
			Processed: strings.TrimSpace(page.Title + "\n" + strings.Join(page.Headings, "\n") + "\n" + text),
			Summary:   summary,
		},
		Metadata: models.EvidenceMetadata{
			Confidence: 0.6,
			Relevance:  0.7,
			TokenCount: approxTokens(text),
		},
		Breadcrumbs: []models.Breadcrumb{crumb},
		Detail: models.WebPageDetail{
			URL:          target.String(),
			Title:        page.Title,
			StatusCode:   resp.StatusCode,
			Technologies: techs,
		},
	}}

	if len(techs) > 0 {
		fields := make(map[string]string, len(techs))
		for _, t := range techs {
			fields[t] = "detected"
		}
		techCrumb := crumb
		techCrumb.Step = "tech_stack"
		techCrumb.ExtractionMethod = "markup_signatures"
		techCrumb.Selectors = []string{"script[src]", "meta[name=generator]", "header:server", "header:x-powered-by"}
		items = append(items, &models.EvidenceItem{
			Type:            models.EvidenceStructuredData,
			Category:        "technical",
			Source:          models.EvidenceSource{URL: target.String(), Tool: a.Name(), RetrievedAt: now},
			Content:         models.EvidenceContent{Summary: "Technologies detected on " + target.Host + ": " + strings.Join(techs, ", ")},
			Metadata:        models.EvidenceMetadata{Confidence: 0.75, Relevance: 0.6},
			Classifications: []string{"tech_stack"},
			Breadcrumbs:     []models.Breadcrumb{techCrumb},
			Detail:          models.StructuredDataDetail{Schema: "tech_stack/v1", Fields: fields},
		})
	}

	return &Result{
		Evidence:       items,
		Summary:        fmt.Sprintf("crawled %s (%d chars, %d technologies)", target.Host, len(text), len(techs)),
		APICallsMade:   1,
		BytesProcessed: int64(len(body)),
	}, nil
}

// Page is the readable content extracted from an HTML document.
type Page struct {
	Title       string
	Description string
	Generator   string
	Headings    []string
	Text        string
}

// ExtractPage walks an HTML document and collects title, meta description,
// h1-h3 headings and visible body text.
func ExtractPage(body []byte) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	p := &Page{}
	var text strings.Builder
	var walk func(n *html.Node, hidden bool)
	walk = func(n *html.Node, hidden bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "svg":
				hidden = true
			case "title":
				if p.Title == "" {
					p.Title = util.CollapseWhitespace(nodeText(n))
				}
				return
			case "meta":
				name := strings.ToLower(attr(n, "name"))
				if name == "" {
					name = strings.ToLower(attr(n, "property"))
				}
				switch name {
				case "description", "og:description":
					if p.Description == "" {
						p.Description = util.CollapseWhitespace(attr(n, "content"))
					}
				case "generator":
					p.Generator = attr(n, "content")
				}
			case "h1", "h2", "h3":
				if h := util.CollapseWhitespace(nodeText(n)); h != "" {
					p.Headings = append(p.Headings, h)
				}
			}
		}
		if n.Type == html.TextNode && !hidden {
			if t := strings.TrimSpace(n.Data); t != "" {
				text.WriteString(t)
				text.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, hidden)
		}
	}
	walk(doc, false)
	p.Text = util.CollapseWhitespace(text.String())
	return p, nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

var techSignatures = map[string][]string{
	"React":            {"react-dom", "data-reactroot", "__react"},
	"Next.js":          {"__next_data__", "/_next/static"},
	"Vue.js":           {"vue.runtime", "data-v-", "__vue__"},
	"Angular":          {"ng-version", "angular.min.js"},
	"WordPress":        {"wp-content", "wp-includes"},
	"Shopify":          {"cdn.shopify.com", "shopify.theme"},
	"Google Analytics": {"googletagmanager.com/gtag", "google-analytics.com"},
	"Segment":          {"cdn.segment.com"},
	"Stripe":           {"js.stripe.com"},
	"HubSpot":          {"js.hs-scripts.com", "hubspot"},
	"Intercom":         {"widget.intercom.io", "intercomsettings"},
	"Cloudflare":       {"cdnjs.cloudflare.com", "cf-ray"},
	"jQuery":           {"jquery.min.js", "jquery-"},
}

// DetectTechnologies matches known markup and header signatures. The result is sorted.
func DetectTechnologies(body []byte, header http.Header) []string {
	lower := strings.ToLower(string(body))
	found := map[string]struct{}{}
	for tech, sigs := range techSignatures {
		for _, sig := range sigs {
			if strings.Contains(lower, sig) {
				found[tech] = struct{}{}
				break
			}
		}
	}
	for _, h := range []string{"Server", "X-Powered-By"} {
		v := strings.ToLower(header.Get(h))
		switch {
		case v == "":
		case strings.Contains(v, "cloudflare"):
			found["Cloudflare"] = struct{}{}
		case strings.Contains(v, "nginx"):
			found["nginx"] = struct{}{}
		case strings.Contains(v, "express"):
			found["Express"] = struct{}{}
		case strings.Contains(v, "php"):
			found["PHP"] = struct{}{}
		}
	}
	if header.Get("Cf-Ray") != "" {
		found["Cloudflare"] = struct{}{}
	}
	out := make([]string, 0, len(found))
	for t := range found {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
