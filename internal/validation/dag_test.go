package validation

import (
	"strings"
	"testing"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

func TestDetectCycles_NoCycle(t *testing.T) {
	// Linear chain declared out of order: C -> B -> A
	nodes := []Node{
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
	}

	result := DetectCycles(nodes)

	if result.HasCycle {
		t.Fatalf("Expected no cycle, but found cycle: %v", result.CyclePath)
	}
	if got := strings.Join(result.Order, ","); got != "A,B,C" {
		t.Errorf("Expected order A,B,C, got %s", got)
	}
}

func TestDetectCycles_StableOrder(t *testing.T) {
	// Diamond: discovery and crawl both feed analysis. Ready stages run in declaration order.
	nodes := []Node{
		{ID: "search_discovery"},
		{ID: "site_crawl"},
		{ID: "ai_analysis", DependsOn: []string{"search_discovery", "site_crawl"}},
		{ID: "mcp_enrichment"},
	}

	result := DetectCycles(nodes)

	want := "search_discovery,site_crawl,ai_analysis,mcp_enrichment"
	if got := strings.Join(result.Order, ","); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestDetectCycles_SimpleCycle(t *testing.T) {
	// Cycle: A -> B -> C -> A
	nodes := []Node{
		{ID: "A", DependsOn: []string{"C"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
	}

	result := DetectCycles(nodes)

	if !result.HasCycle {
		t.Fatal("Expected cycle, but none detected")
	}
	if len(result.CyclePath) < 2 {
		t.Errorf("Expected a cycle path, got %v", result.CyclePath)
	}
	if result.CyclePath[0] != result.CyclePath[len(result.CyclePath)-1] {
		t.Errorf("Cycle path should start and end on the same stage: %v", result.CyclePath)
	}
}

func TestDetectCycles_Empty(t *testing.T) {
	result := DetectCycles(nil)

	if result.HasCycle {
		t.Error("Empty graph should not have cycle")
	}
	if len(result.Order) != 0 {
		t.Errorf("Expected empty order, got %v", result.Order)
	}
}

func TestValidateDAG(t *testing.T) {
	order, err := ValidateDAG([]Node{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}})
	if err != nil {
		t.Fatalf("Expected no error for non-cyclic graph, got: %v", err)
	}
	if len(order) != 2 {
		t.Errorf("Expected 2 stages in order, got %v", order)
	}

	cases := map[string][]Node{
		"cycle":     {{ID: "A", DependsOn: []string{"B"}}, {ID: "B", DependsOn: []string{"A"}}},
		"self":      {{ID: "A", DependsOn: []string{"A"}}},
		"unknown":   {{ID: "A", DependsOn: []string{"X"}}},
		"duplicate": {{ID: "A"}, {ID: "A"}},
		"unnamed":   {{ID: ""}},
	}
	for name, nodes := range cases {
		_, err := ValidateDAG(nodes)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !errs.IsConfig(err) {
			t.Errorf("%s: expected config error, got %v", name, err)
		}
	}
}
