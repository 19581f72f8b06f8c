package validation

import (
	"fmt"
	"sort"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// validateDAG performs graph analysis on the phase graph:
// cycle detection (Kahn's algorithm) and dead-phase reachability (BFS from roots).
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	phaseNames := make(map[string]bool, len(def.Phases))
	for _, p := range def.Phases {
		phaseNames[p.Name] = true
	}

	// edges[name] = dependencies of the phase, reverse[name] = its dependents.
	edges := make(map[string][]string, len(def.Phases))
	reverse := make(map[string][]string, len(def.Phases))

	for _, p := range def.Phases {
		seen := make(map[string]bool, len(p.DependsOn))
		for _, dep := range p.DependsOn {
			if !phaseNames[dep] || seen[dep] {
				continue // invalid refs already caught by semantic
			}
			seen[dep] = true
			edges[p.Name] = append(edges[p.Name], dep)
			reverse[dep] = append(reverse[dep], p.Name)
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Phases))
	for name := range phaseNames {
		inDegree[name] = len(edges[name])
	}

	queue := make([]string, 0, len(def.Phases))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(phaseNames) {
		result.AddError("phases", schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root phases (no dependencies) through reverse edges.
	roots := make([]string, 0)
	for name := range phaseNames {
		if len(edges[name]) == 0 {
			roots = append(roots, name)
		}
	}

	reachable := make(map[string]bool, len(phaseNames))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for _, p := range def.Phases {
		if !reachable[p.Name] {
			result.AddWarning(fmt.Sprintf("phases[%s]", p.Name),
				schema.ErrCodeValidation,
				fmt.Sprintf("phase %q is unreachable from any root phase", p.Name))
		}
	}

	return result
}
