package validation

import "github.com/urbanpulse/conductor/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural and input validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// AgentLookup resolves registered agent names during semantic validation.
// Satisfied by *agents.Registry.
type AgentLookup interface {
	Has(name string) bool
}
