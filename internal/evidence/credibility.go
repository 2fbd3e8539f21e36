package evidence

import (
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// TLDRule scores every domain ending in Suffix.
type TLDRule struct {
	Suffix      string  `yaml:"suffix"`
	Score       float64 `yaml:"score"`
	Description string  `yaml:"description"`
}

// DomainGroup scores a list of known domains and their subdomains.
type DomainGroup struct {
	Category    string   `yaml:"category"`
	Score       float64  `yaml:"score"`
	Description string   `yaml:"description"`
	Domains     []string `yaml:"domains"`
}

// CredibilityConfig holds domain credibility scoring rules.
type CredibilityConfig struct {
	CredibilityRules struct {
		TLDPatterns  []TLDRule     `yaml:"tld_patterns"`
		DomainGroups []DomainGroup `yaml:"domain_groups"`
		DefaultScore float64       `yaml:"default_score"`
	} `yaml:"credibility_rules"`

	// SourceWeight is the share of item confidence taken from source credibility.
	SourceWeight float64 `yaml:"source_weight"`
}

// DefaultCredibilityConfig is used when no rules file is configured or readable.
func DefaultCredibilityConfig() *CredibilityConfig {
	cfg := &CredibilityConfig{SourceWeight: 0.4}
	cfg.CredibilityRules.TLDPatterns = []TLDRule{
		{Suffix: ".gov", Score: 0.90, Description: "Government"},
		{Suffix: ".edu", Score: 0.85, Description: "Educational"},
	}
	cfg.CredibilityRules.DomainGroups = []DomainGroup{
		{Category: "filings", Score: 0.95, Domains: []string{"sec.gov", "companieshouse.gov.uk"}},
		{Category: "business_press", Score: 0.85, Domains: []string{"reuters.com", "bloomberg.com", "ft.com", "wsj.com"}},
		{Category: "company_data", Score: 0.75, Domains: []string{"crunchbase.com", "pitchbook.com", "linkedin.com"}},
		{Category: "tech_press", Score: 0.70, Domains: []string{"techcrunch.com", "theverge.com"}},
		{Category: "user_generated", Score: 0.40, Domains: []string{"reddit.com", "quora.com", "medium.com"}},
	}
	cfg.CredibilityRules.DefaultScore = 0.60
	return cfg
}

// Credibility scores sources by domain reputation.
type Credibility struct {
	cfg *CredibilityConfig
}

// NewCredibility wraps cfg, falling back to the defaults for nil.
func NewCredibility(cfg *CredibilityConfig) *Credibility {
	if cfg == nil {
		cfg = DefaultCredibilityConfig()
	}
	if cfg.SourceWeight <= 0 || cfg.SourceWeight > 1 {
		cfg.SourceWeight = 0.4
	}
	return &Credibility{cfg: cfg}
}

// LoadCredibility reads rules from path. A missing or malformed file logs a
// warning and yields the defaults.
func LoadCredibility(path string, logger *zap.Logger) *Credibility {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return NewCredibility(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Failed to load credibility rules, using defaults", zap.String("path", path), zap.Error(err))
		return NewCredibility(nil)
	}
	var cfg CredibilityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logger.Warn("Failed to parse credibility rules, using defaults", zap.String("path", path), zap.Error(err))
		return NewCredibility(nil)
	}
	logger.Info("Loaded credibility rules", zap.String("path", path),
		zap.Int("tld_rules", len(cfg.CredibilityRules.TLDPatterns)),
		zap.Int("domain_groups", len(cfg.CredibilityRules.DomainGroups)))
	return NewCredibility(&cfg)
}

// Score returns the credibility of a domain. TLD rules win over domain groups.
func (c *Credibility) Score(domain string) float64 {
	domain = strings.ToLower(domain)
	for _, r := range c.cfg.CredibilityRules.TLDPatterns {
		if strings.HasSuffix(domain, r.Suffix) {
			return r.Score
		}
	}
	for _, g := range c.cfg.CredibilityRules.DomainGroups {
		for _, known := range g.Domains {
			known = strings.ToLower(known)
			if domain == known || strings.HasSuffix(domain, "."+known) {
				return g.Score
			}
		}
	}
	if c.cfg.CredibilityRules.DefaultScore > 0 {
		return c.cfg.CredibilityRules.DefaultScore
	}
	return 0.60
}

// Apply records source credibility on an item with a URL and blends it into
// the item's confidence. Items without a URL keep their adapter confidence.
func (c *Credibility) Apply(it *models.EvidenceItem) {
	if it.Source.URL == "" {
		return
	}
	domain, err := ExtractDomain(it.Source.URL)
	if err != nil || domain == "" {
		return
	}
	cred := c.Score(domain)
	w := c.cfg.SourceWeight
	it.Metadata.Credibility = cred
	it.Metadata.Confidence = util.Round(util.Clamp(it.Metadata.Confidence*(1-w)+cred*w, 0, 1), 4)
}

// NormalizeURL lowercases scheme and host, strips "www.", fragments, tracking
// parameters and a trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, p := range []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "msclkid", "ref", "source",
		} {
			q.Del(p)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host of a URL without port or "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www."), nil
}
