package thesis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/quality"
)

// weightTolerance absorbs float noise from yaml decimals such as 33.3.
const weightTolerance = 1e-6

// ValidationIssue is a single validation failure with a stable code.
type ValidationIssue struct {
	Code    string
	Message string
}

// ValidationError aggregates thesis validation failures.
type ValidationError struct {
	ThesisID string
	Issues   []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "thesis validation failed"
	}
	msgs := e.Messages()
	if len(msgs) == 1 {
		return fmt.Sprintf("thesis %s: %s", e.ThesisID, msgs[0])
	}
	return fmt.Sprintf("thesis %s: %d validation errors: %s", e.ThesisID, len(msgs), strings.Join(msgs, "; "))
}

// Messages returns the human-readable text of each issue.
func (e *ValidationError) Messages() []string {
	if e == nil {
		return nil
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return msgs
}

func (e *ValidationError) add(code, format string, args ...interface{}) {
	e.Issues = append(e.Issues, ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a thesis and returns a configuration error wrapping a
// *ValidationError when anything is wrong. Weights are never renormalized.
func Validate(t *Thesis) error {
	if t == nil {
		return errs.Config("thesis is nil")
	}
	verr := &ValidationError{ThesisID: t.ID}
	if strings.TrimSpace(t.ID) == "" {
		verr.add("missing_id", "id is required")
	}
	if t.Threshold < 0 || t.Threshold > 100 {
		verr.add("threshold_range", "threshold %.2f outside [0,100]", t.Threshold)
	}
	if len(t.Categories) == 0 {
		verr.add("no_categories", "at least one category is required")
	}

	seen := make(map[string]struct{}, len(t.Categories))
	for i, c := range t.Categories {
		if strings.TrimSpace(c.Name) == "" {
			verr.add("category_name", "category %d has no name", i)
			continue
		}
		if _, dup := seen[c.Name]; dup {
			verr.add("duplicate_category", "category %s declared twice", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Weight < 0 {
			verr.add("negative_weight", "category %s has negative weight %.2f", c.Name, c.Weight)
		}
		if c.Penalty < 0 || c.Penalty > 1 {
			verr.add("penalty_range", "category %s penalty %.3f outside [0,1]", c.Name, c.Penalty)
		}
		if c.Penalty > 0 && !c.Critical {
			verr.add("penalty_not_critical", "category %s has a penalty but is not critical", c.Name)
		}
	}
	if len(t.Categories) > 0 {
		if err := ValidateWeights(t.Weights()); err != nil {
			verr.add("weight_sum", "%s", err.Error())
		}
	}

	stages := make(map[string]struct{}, len(t.RequiredStages))
	for _, s := range t.RequiredStages {
		if _, dup := stages[s]; dup {
			verr.add("duplicate_stage", "required stage %s listed twice", s)
		}
		stages[s] = struct{}{}
	}

	if _, err := quality.NewScorer(t.Checklist()); err != nil {
		verr.add("checklist", "%s", err.Error())
	}

	if len(verr.Issues) > 0 {
		return errs.WrapKind(verr, errs.KindConfig, "invalid thesis")
	}
	return nil
}

// ValidateWeights fails with a configuration error unless the weights sum to 100.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return errs.Config("no category weights")
	}
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	var sum float64
	for _, name := range names {
		sum += weights[name]
	}
	if math.Abs(sum-100) > weightTolerance {
		return errs.Config("category weights sum to %.4f, expected 100", sum)
	}
	return nil
}
