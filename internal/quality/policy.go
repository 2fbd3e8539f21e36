package quality

import (
	"sort"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// PenaltyPolicy turns the set of missing critical categories into a penalty.
// The result is clamped to [0,1] by the caller.
type PenaltyPolicy interface {
	Name() string
	Penalty(missing []CriticalCategory, total int) float64
}

// PolicySpec selects a policy by name with its parameters.
type PolicySpec struct {
	Name string `yaml:"name" json:"name"`
	// Max is the penalty when every critical category is missing (proportional policy).
	Max float64 `yaml:"max" json:"max"`
}

// PolicyFactory builds a policy from its spec.
type PolicyFactory func(PolicySpec) (PenaltyPolicy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]PolicyFactory{
		"fixed": func(PolicySpec) (PenaltyPolicy, error) { return Fixed{}, nil },
		"proportional": func(s PolicySpec) (PenaltyPolicy, error) {
			if s.Max <= 0 || s.Max > 1 {
				return nil, errs.Config("proportional penalty max %.3f outside (0,1]", s.Max)
			}
			return Proportional{Max: s.Max}, nil
		},
		"none": func(PolicySpec) (PenaltyPolicy, error) { return None{}, nil },
	}
)

// Register adds a named policy. Registering an existing name replaces it.
func Register(name string, f PolicyFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Policies lists registered policy names.
func Policies() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve builds the policy named in spec. An empty name selects "fixed".
func Resolve(spec PolicySpec) (PenaltyPolicy, error) {
	name := spec.Name
	if name == "" {
		name = "fixed"
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.Config("unknown penalty policy %q", name)
	}
	return f(spec)
}

// DefaultCategoryPenalty applies to a missing critical category that declares
// no penalty of its own.
const DefaultCategoryPenalty = 0.1

// Fixed sums the per-category penalties of the missing categories.
type Fixed struct{}

func (Fixed) Name() string { return "fixed" }

func (Fixed) Penalty(missing []CriticalCategory, _ int) float64 {
	var p float64
	for _, c := range missing {
		if c.Penalty > 0 {
			p += c.Penalty
		} else {
			p += DefaultCategoryPenalty
		}
	}
	return p
}

// Proportional scales Max by the share of critical categories missing.
type Proportional struct{ Max float64 }

func (Proportional) Name() string { return "proportional" }

func (p Proportional) Penalty(missing []CriticalCategory, total int) float64 {
	if total == 0 {
		return 0
	}
	return p.Max * float64(len(missing)) / float64(total)
}

// None never penalizes.
type None struct{}

func (None) Name() string { return "none" }

func (None) Penalty([]CriticalCategory, int) float64 { return 0 }
