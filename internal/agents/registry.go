package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// Registry is the concrete thread-safe AgentRegistry implementation.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent to the registry. Returns error on duplicate name.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	name := agent.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}

	r.agents[name] = agent
	return nil
}

// Get retrieves an agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %q not registered", name)
	}
	return agent, nil
}

// List returns info for all registered agents, sorted by name.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		s := a.Schema()
		infos = append(infos, AgentInfo{
			Name:        a.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterGroup bulk-registers agents under a prefixed namespace.
// Each agent name becomes "prefix.originalName" (e.g. "traffic.count_lanes").
func (r *Registry) RegisterGroup(prefix string, group []Agent) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "group prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, a := range group {
		prefixed := fmt.Sprintf("%s.%s", prefix, a.Name())
		if _, exists := r.agents[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", prefixed)
		}
		r.agents[prefixed] = &prefixedAgent{inner: a, name: prefixed}
		registered++
	}
	return registered, nil
}

// Has checks if an agent is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// prefixedAgent wraps a grouped agent with a prefixed name.
type prefixedAgent struct {
	inner Agent
	name  string
}

func (p *prefixedAgent) Name() string                         { return p.name }
func (p *prefixedAgent) Schema() AgentSchema                  { return p.inner.Schema() }
func (p *prefixedAgent) Validate(config map[string]any) error { return p.inner.Validate(config) }

func (p *prefixedAgent) Process(ctx context.Context, input Input) (*Output, error) {
	return p.inner.Process(ctx, input)
}
