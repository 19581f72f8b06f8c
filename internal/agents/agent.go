package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// Agent is an independently invocable unit of processing logic.
// Implementations must be safe for concurrent use: the executor may invoke
// the same agent from multiple runs simultaneously.
type Agent interface {
	Name() string
	Schema() AgentSchema
	Process(ctx context.Context, input Input) (*Output, error)
	Validate(config map[string]any) error
}

// AgentRegistry manages the lifecycle and lookup of available agents.
type AgentRegistry interface {
	Register(agent Agent) error
	Get(name string) (Agent, error)
	List() []AgentInfo
}

// AgentSchema describes the input/output contract of an agent.
type AgentSchema struct {
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Input is the data provided to an agent at invocation time.
type Input struct {
	Config  map[string]any `json:"config"`            // agent-specific parameters from the workflow
	Payload map[string]any `json:"payload,omitempty"` // upstream phase outputs and run inputs
}

// Output is the result of an agent invocation.
type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// AgentInfo is a summary of a registered agent for listing.
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Invoke calls an agent's Process and converts panics into errors.
// The scheduler records the error per agent instead of crashing the run.
func Invoke(ctx context.Context, agent Agent, input Input) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeAgentFailed,
				"agent %q panicked: %v", agent.Name(), r).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
	}()
	return agent.Process(ctx, input)
}

// --- Param helpers used by the built-in agents ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func requireString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}
