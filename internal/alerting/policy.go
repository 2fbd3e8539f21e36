package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// PolicyQuery is the decision evaluated against every signal. It must be a
// set (or array) of objects with rule, type, severity, title and message.
const PolicyQuery = "data.diligence.alerts.raise"

// PolicyRules evaluates Rego modules from a directory. It is safe for
// concurrent use and can be reloaded while in use.
type PolicyRules struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	modules  int
}

// NewPolicyRules loads the policies in dir. An empty dir yields a no-op evaluator.
func NewPolicyRules(dir string, logger *zap.Logger) (*PolicyRules, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PolicyRules{dir: dir, logger: logger}
	if dir == "" {
		return p, nil
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Modules returns how many modules are compiled.
func (p *PolicyRules) Modules() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modules
}

// Reload recompiles every .rego file in the directory. A failed compile keeps
// the previous policies.
func (p *PolicyRules) Reload() error {
	if p.dir == "" {
		return nil
	}
	modules := make(map[string]string)
	err := filepath.Walk(p.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(p.dir, path)
		modules[rel] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		p.mu.Lock()
		p.compiled, p.modules = nil, 0
		p.mu.Unlock()
		p.logger.Warn("No alert policies found", zap.String("path", p.dir))
		return nil
	}

	names := make([]string, 0, len(modules))
	for n := range modules {
		names = append(names, n)
	}
	sort.Strings(names)
	opts := []func(*rego.Rego){rego.Query(PolicyQuery)}
	for _, n := range names {
		opts = append(opts, rego.Module(n, modules[n]))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile alert policies: %w", err)
	}

	p.mu.Lock()
	p.compiled, p.modules = &compiled, len(modules)
	p.mu.Unlock()
	p.logger.Info("Alert policies loaded", zap.Int("modules", len(modules)), zap.String("query", PolicyQuery))
	return nil
}

// Evaluate returns the candidates the policies raise for s.
func (p *PolicyRules) Evaluate(ctx context.Context, cfg Config, s Signal) ([]Candidate, error) {
	p.mu.RLock()
	compiled := p.compiled
	p.mu.RUnlock()
	if compiled == nil {
		return nil, nil
	}

	input, err := policyInput(cfg, s)
	if err != nil {
		return nil, err
	}
	rs, err := compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("alert policy evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("alert policy returned %T, want a set of objects", rs[0].Expressions[0].Value)
	}

	out := make([]Candidate, 0, len(raw))
	for _, v := range raw {
		obj, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		c := Candidate{
			Rule:     str(obj["rule"]),
			Type:     models.AlertType(str(obj["type"])),
			Severity: models.Severity(str(obj["severity"])),
			Title:    str(obj["title"]),
			Message:  str(obj["message"]),
		}
		if c.Rule == "" || c.Severity.Rank() == 0 {
			p.logger.Warn("Ignoring malformed policy alert", zap.Any("value", obj))
			continue
		}
		if c.Type == "" {
			c.Type = models.AlertThresholdBreach
		}
		if ctxv, ok := obj["context"].(map[string]interface{}); ok {
			c.Context = ctxv
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out, nil
}

// policyInput is the signal plus the engine thresholds, as plain JSON values.
func policyInput(cfg Config, s Signal) (map[string]interface{}, error) {
	data, err := json.Marshal(struct {
		Signal
		Thresholds map[string]interface{} `json:"thresholds"`
	}{
		Signal: s,
		Thresholds: map[string]interface{}{
			"error_threshold": cfg.ErrorThreshold,
			"min_coverage":    cfg.MinCoverage,
		},
	})
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
