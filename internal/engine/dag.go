package engine

import (
	"fmt"
	"time"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// DAG is the in-memory directed acyclic graph representation of a workflow's
// phases. Built from a WorkflowDefinition, used by the Executor to determine
// execution order.
type DAG struct {
	Phases  map[string]*schema.Phase // phase name → definition
	Edges   map[string][]string      // phase name → dependencies (depends_on)
	Reverse map[string][]string      // phase name → dependents (who depends on me)
	Sorted  []string                 // topological order
	Roots   []string                 // phases with no dependencies
	Levels  [][]string               // parallel execution levels
}

// ParseDAG parses a WorkflowDefinition into an executable DAG.
// It validates the definition, builds adjacency lists, performs topological
// sorting using Kahn's algorithm, detects cycles, and computes parallel
// execution levels.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	if len(def.Phases) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no phases")
	}

	dag := &DAG{
		Phases:  make(map[string]*schema.Phase, len(def.Phases)),
		Edges:   make(map[string][]string, len(def.Phases)),
		Reverse: make(map[string][]string, len(def.Phases)),
	}

	// First pass: register all phases and check for duplicates.
	for i := range def.Phases {
		phase := &def.Phases[i]

		if phase.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("phase at index %d has empty name", i))
		}

		if _, exists := dag.Phases[phase.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate phase name: %s", phase.Name)
		}

		dag.Phases[phase.Name] = phase
	}

	// Second pass: validate per-phase constraints.
	for _, phase := range dag.Phases {
		if err := validatePhase(phase); err != nil {
			return nil, err
		}
	}

	// Third pass: build adjacency lists and validate dependencies.
	for name, phase := range dag.Phases {
		seen := make(map[string]bool, len(phase.DependsOn))
		deps := make([]string, 0, len(phase.DependsOn))
		for _, dep := range phase.DependsOn {
			if _, exists := dag.Phases[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "phase %s depends on non-existent phase: %s", name, dep)
			}
			if dep == name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "phase %s depends on itself", name)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "phase %s has duplicate dependency: %s", name, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], name)
		}
		dag.Edges[name] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Phases))
	for name := range dag.Phases {
		inDegree[name] = len(dag.Edges[name])
	}

	// Queue phases with in-degree 0 (roots).
	queue := make([]string, 0)
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Phases))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		// For each dependent of this node, decrement its in-degree.
		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Phases) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}

	dag.Sorted = sorted

	// Compute parallel execution levels using topological depth.
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// Dependents returns the transitive closure of phases that depend on the
// given phase, directly or indirectly. Used to skip downstream phases when a
// dependency does not succeed.
func (d *DAG) Dependents(phase string) []string {
	visited := make(map[string]bool)
	var out []string
	var walk func(name string)
	walk = func(name string) {
		for _, dep := range d.Reverse[name] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(phase)
	sortStrings(out)
	return out
}

// computeLevels groups phases into parallel execution levels.
// Phases at the same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Phases))

	// Compute depth for each phase based on max dependency depth + 1.
	for _, name := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[name] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[name] = maxDep + 1
	}

	// Find max level.
	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	// Group phases by level.
	levels := make([][]string, maxLevel+1)
	for _, name := range dag.Sorted {
		d := depth[name]
		levels[d] = append(levels[d], name)
	}

	return levels
}

// validatePhase checks structural constraints on a single phase.
func validatePhase(phase *schema.Phase) error {
	if len(phase.Agents) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "phase %s has no agents", phase.Name)
	}

	switch phase.EffectiveMode() {
	case schema.PhaseModeParallel, schema.PhaseModeSequential:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "phase %s has unknown mode: %s", phase.Name, phase.Mode)
	}

	seen := make(map[string]bool, len(phase.Agents))
	for i, ref := range phase.Agents {
		if ref.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "phase %s: agent at index %d has empty id", phase.Name, i)
		}
		if seen[ref.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "phase %s has duplicate agent id: %s", phase.Name, ref.ID)
		}
		seen[ref.ID] = true
		if ref.Uses == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "phase %s: agent %s has no 'uses' reference", phase.Name, ref.ID)
		}
		if ref.Timeout != "" {
			if _, err := time.ParseDuration(ref.Timeout); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "phase %s: agent %s has invalid timeout %q", phase.Name, ref.ID, ref.Timeout)
			}
		}
		if ref.Retry != nil {
			if ref.Retry.Max < 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "phase %s: agent %s has negative retry max", phase.Name, ref.ID)
			}
			if ref.Retry.Delay != "" {
				if _, err := time.ParseDuration(ref.Retry.Delay); err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "phase %s: agent %s has invalid retry delay %q", phase.Name, ref.ID, ref.Retry.Delay)
				}
			}
		}
	}
	return nil
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
