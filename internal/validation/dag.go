// Package validation checks stage dependency graphs before an execution starts.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// Node is the minimal information needed to validate one stage.
type Node struct {
	ID        string
	DependsOn []string
}

// Result contains the outcome of DetectCycles.
type Result struct {
	HasCycle  bool
	CyclePath []string // IDs involved in the cycle (if found)
	Order     []string // Topological order (if no cycle)
}

// DetectCycles runs Kahn's algorithm over nodes. Ties are broken by
// declaration order so the topological order is stable. Dependencies on
// unknown nodes are ignored here; ValidateDAG reports them.
func DetectCycles(nodes []Node) Result {
	if len(nodes) == 0 {
		return Result{Order: []string{}}
	}

	position := make(map[string]int, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	graph := make(map[string][]string, len(nodes)) // node -> nodes that depend on it
	for i, n := range nodes {
		position[n.ID] = i
		inDegree[n.ID] = 0
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := position[dep]; !ok {
				continue
			}
			graph[dep] = append(graph[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	var ready []string
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		var released []string
		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		ready = append(ready, released...)
		sort.SliceStable(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
	}

	if len(order) == len(nodes) {
		return Result{Order: order}
	}

	var stuck []string
	for _, n := range nodes {
		if inDegree[n.ID] > 0 {
			stuck = append(stuck, n.ID)
		}
	}
	return Result{HasCycle: true, CyclePath: findCyclePath(graph, stuck)}
}

// findCyclePath walks the stuck nodes depth-first until it revisits one.
func findCyclePath(graph map[string][]string, stuck []string) []string {
	inCycle := make(map[string]bool, len(stuck))
	for _, n := range stuck {
		inCycle[n] = true
	}

	var dfs func(node string, path []string, visited map[string]bool) []string
	dfs = func(node string, path []string, visited map[string]bool) []string {
		if visited[node] {
			for i, n := range path {
				if n == node {
					return append(append([]string(nil), path[i:]...), node)
				}
			}
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for _, next := range graph[node] {
			if !inCycle[next] {
				continue
			}
			if found := dfs(next, path, visited); found != nil {
				return found
			}
		}
		return nil
	}

	for _, start := range stuck {
		if found := dfs(start, nil, make(map[string]bool)); len(found) > 1 {
			return found
		}
	}
	return stuck
}

// ValidateDAG returns the topological order of nodes, or a configuration
// error for empty or duplicate ids, self or unknown dependencies, and cycles.
func ValidateDAG(nodes []Node) ([]string, error) {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errs.Config("stage without a name")
		}
		if _, dup := seen[n.ID]; dup {
			return nil, errs.Config("duplicate stage %s", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return nil, errs.Config("stage %s depends on itself", n.ID)
			}
			if _, ok := seen[dep]; !ok {
				return nil, errs.Config("stage %s depends on unknown stage %s", n.ID, dep)
			}
		}
	}

	res := DetectCycles(nodes)
	if res.HasCycle {
		return nil, errs.Config("%s", cycleMessage(res.CyclePath))
	}
	return res.Order, nil
}

func cycleMessage(path []string) string {
	return fmt.Sprintf("circular dependency detected involving stages: %s", strings.Join(path, " -> "))
}
