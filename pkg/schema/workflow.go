package schema

// WorkflowDefinition is the declarative workflow format loaded from workflow.yaml.
// A workflow is an acyclic graph of named phases, each grouping a set of agents.
type WorkflowDefinition struct {
	Name     string         `yaml:"name" json:"name"`
	Version  string         `yaml:"version,omitempty" json:"version,omitempty"`
	Timeout  string         `yaml:"timeout,omitempty" json:"timeout,omitempty"` // run-level timeout (e.g. "30m")
	Inputs   map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`   // default input parameters
	Phases   []Phase        `yaml:"phases" json:"phases"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Phase is a named group of agents gated by dependencies on other phases.
type Phase struct {
	Name      string           `yaml:"name" json:"name"`
	DependsOn []string         `yaml:"depends_on,omitempty" json:"depends_on,omitempty"` // phase names that must succeed first
	Mode      PhaseMode        `yaml:"mode,omitempty" json:"mode,omitempty"`             // parallel | sequential (default: parallel)
	Required  *bool            `yaml:"required,omitempty" json:"required,omitempty"`     // default: true
	When      string           `yaml:"when,omitempty" json:"when,omitempty"`             // condition gate; false skips the phase
	Agents    []AgentReference `yaml:"agents" json:"agents"`
}

// PhaseMode controls how agents within a phase are dispatched.
type PhaseMode string

const (
	PhaseModeParallel   PhaseMode = "parallel"
	PhaseModeSequential PhaseMode = "sequential"
)

// AgentReference binds a workflow slot to a registered runtime agent.
type AgentReference struct {
	ID       string         `yaml:"id" json:"id"`
	Uses     string         `yaml:"uses" json:"uses"`                             // registered agent name (e.g. "http.fetch")
	Enabled  *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`   // default: true; disabled agents are skipped
	Required *bool          `yaml:"required,omitempty" json:"required,omitempty"` // default: true; failure fails the phase
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty"`     // agent-specific parameters
	Retry    *RetryPolicy   `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout  string         `yaml:"timeout,omitempty" json:"timeout,omitempty"` // per-invocation timeout (e.g. "30s")
	When     string         `yaml:"when,omitempty" json:"when,omitempty"`       // condition gate; false skips the agent
}

// RetryPolicy configures retry behavior for an agent invocation.
type RetryPolicy struct {
	Max      int    `yaml:"max" json:"max"`                                 // max retry attempts
	Backoff  string `yaml:"backoff,omitempty" json:"backoff,omitempty"`     // none | constant | linear | exponential
	Delay    string `yaml:"delay,omitempty" json:"delay,omitempty"`         // initial delay (e.g. "1s", "500ms")
	MaxDelay string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"` // cap on the computed delay
}

// IsRequired reports whether a phase failure must fail the run. Defaults to true.
func (p *Phase) IsRequired() bool {
	return p.Required == nil || *p.Required
}

// EffectiveMode returns the phase dispatch mode, defaulting to parallel.
func (p *Phase) EffectiveMode() PhaseMode {
	if p.Mode == "" {
		return PhaseModeParallel
	}
	return p.Mode
}

// IsEnabled reports whether the agent participates in dispatch. Defaults to true.
func (a *AgentReference) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// IsRequired reports whether an agent failure must fail its phase. Defaults to true.
func (a *AgentReference) IsRequired() bool {
	return a.Required == nil || *a.Required
}
