package orchestrator

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/stage"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/validation"
)

// Stages of the default plan.
const (
	StageSearchDiscovery = "search_discovery"
	StageSiteCrawl       = "site_crawl"
	StageRenderedCapture = "rendered_capture"
	StageMCPEnrichment   = "mcp_enrichment"
	StageAIAnalysis      = "ai_analysis"
)

const (
	toolSearch  = "web_search"
	toolCrawl   = "html_collector"
	toolBrowser = "browser_capture"
	toolModel   = "ai_analysis"
	mcpPrefix   = "mcp_"
)

// Target is the company under review.
type Target struct {
	ID     string `json:"target_id"`
	Name   string `json:"target_name"`
	Domain string `json:"target_domain,omitempty"`
}

// BuildPlan derives the default stages for a target from the thesis and the
// registered tools:
//
//	search_discovery  web_search per category query (critical)
//	site_crawl        home page plus category pages (needs a domain)
//	rendered_capture  home page through the browser (when registered)
//	mcp_enrichment    every registered mcp_* tool
//	ai_analysis       one analysis per category, after discovery and crawl
func BuildPlan(t *thesis.Thesis, target Target, reg *tools.Registry, cfg Config) ([]stage.Spec, error) {
	cfg = cfg.withDefaults()
	if !reg.Has(toolSearch) {
		return nil, errs.Config("tool %s is required for %s", toolSearch, StageSearchDiscovery)
	}
	base := stage.Spec{Concurrency: cfg.CallConcurrency, MaxRetries: cfg.StageMaxRetries, Timeout: cfg.StageTimeout}

	discovery := base
	discovery.Name = StageSearchDiscovery
	discovery.Critical = true
	queries := t.Queries(target.Name, target.Domain)
	for _, cat := range t.CategoryNames() {
		for i, q := range queries[cat] {
			discovery.Calls = append(discovery.Calls, stage.Call{
				ID:       fmt.Sprintf("search-%s-%d", cat, i+1),
				Tool:     toolSearch,
				Params:   tools.Params{"query": q, "category": cat},
				Category: cat,
			})
		}
	}
	if len(discovery.Calls) == 0 {
		discovery.Calls = append(discovery.Calls, stage.Call{
			ID:     "search-overview",
			Tool:   toolSearch,
			Params: tools.Params{"query": strings.TrimSpace(target.Name + " company overview")},
		})
	}
	plan := []stage.Spec{discovery}
	analysisDeps := []string{StageSearchDiscovery}

	home := siteURL(target.Domain)
	if home != "" && reg.Has(toolCrawl) {
		crawl := base
		crawl.Name = StageSiteCrawl
		crawl.Calls = append(crawl.Calls, stage.Call{ID: "crawl-home", Tool: toolCrawl, Params: tools.Params{"url": home}})
		seen := map[string]bool{home: true}
		for _, c := range t.Categories {
			for i, p := range c.Pages {
				u := joinPage(home, p)
				if seen[u] {
					continue
				}
				seen[u] = true
				crawl.Calls = append(crawl.Calls, stage.Call{
					ID:       fmt.Sprintf("crawl-%s-%d", c.Name, i+1),
					Tool:     toolCrawl,
					Params:   tools.Params{"url": u, "category": c.Name},
					Category: c.Name,
				})
			}
		}
		plan = append(plan, crawl)
		analysisDeps = append(analysisDeps, StageSiteCrawl)
	}

	if home != "" && reg.Has(toolBrowser) {
		capture := base
		capture.Name = StageRenderedCapture
		capture.Calls = []stage.Call{{ID: "capture-home", Tool: toolBrowser, Params: tools.Params{"url": home}}}
		plan = append(plan, capture)
	}

	mcpTools := lo.Filter(reg.Names(), func(n string, _ int) bool { return strings.HasPrefix(n, mcpPrefix) })
	if len(mcpTools) > 0 {
		enrich := base
		enrich.Name = StageMCPEnrichment
		for _, name := range mcpTools {
			params := tools.Params{"company": target.Name}
			if target.Domain != "" {
				params["domain"] = target.Domain
			}
			enrich.Calls = append(enrich.Calls, stage.Call{ID: name, Tool: name, Params: params})
		}
		plan = append(plan, enrich)
	}

	if reg.Has(toolModel) {
		analysis := base
		analysis.Name = StageAIAnalysis
		analysis.DependsOn = analysisDeps
		for _, cat := range t.CategoryNames() {
			params := tools.Params{"company": target.Name, "category": cat}
			if target.Domain != "" {
				params["domain"] = target.Domain
			}
			analysis.Calls = append(analysis.Calls, stage.Call{
				ID:       "analysis-" + cat,
				Tool:     toolModel,
				Params:   params,
				Category: cat,
			})
		}
		plan = append(plan, analysis)
	}
	return plan, nil
}

// ValidatePlan checks the stage graph, every stage's calls, and that the
// thesis' required stages are planned. It returns the launch order.
func ValidatePlan(specs []stage.Spec, exec *stage.Executor, t *thesis.Thesis) ([]string, error) {
	if len(specs) == 0 {
		return nil, errs.Config("execution plan has no stages")
	}
	nodes := make([]validation.Node, len(specs))
	for i, s := range specs {
		nodes[i] = validation.Node{ID: s.Name, DependsOn: s.DependsOn}
	}
	order, err := validation.ValidateDAG(nodes)
	if err != nil {
		return nil, err
	}
	for _, s := range specs {
		if len(s.Calls) == 0 {
			return nil, errs.Config("stage %s has no calls", s.Name)
		}
		if err := exec.Validate(s); err != nil {
			return nil, err
		}
	}
	if missing := lo.Without(t.RequiredStages, order...); len(missing) > 0 {
		return nil, errs.WithHintf(
			errs.Config("thesis %s requires stages %s that are not in the plan", t.ID, strings.Join(missing, ", ")),
			"register the tools those stages need or set a target domain")
	}
	return order, nil
}

func siteURL(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ""
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	u, err := url.Parse(domain)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/"
	u.RawQuery, u.Fragment = "", ""
	return u.String()
}

func joinPage(home, page string) string {
	if strings.Contains(page, "://") {
		return page
	}
	u, err := url.Parse(home)
	if err != nil {
		return home
	}
	u.Path = path.Join("/", page)
	return u.String()
}
