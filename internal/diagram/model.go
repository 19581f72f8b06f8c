package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindPhase NodeKind = "phase"
	NodeKindAgent NodeKind = "agent"
)

// Model is the intermediate representation shared by all renderers.
// Nodes are phases in topological order; each phase carries its agents.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // parallel execution levels, phase names
}

// Node is a phase or an agent within a phase.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
	Agents []*Node // populated on phase nodes only
}

// StatusOverlay carries runtime state for a node when a run is attached.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is a dependency between two phases.
type Edge struct {
	From string
	To   string
}
