package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// FromDefinition builds a diagram model from a workflow definition.
// The definition goes through the same DAG parse the executor uses, so a
// workflow that renders is a workflow that runs.
func FromDefinition(def *schema.WorkflowDefinition) (*Model, error) {
	dag, err := engine.ParseDAG(def)
	if err != nil {
		return nil, err
	}

	model := &Model{
		Title:  fmt.Sprintf("%s v%s", def.Name, def.Version),
		Levels: dag.Levels,
	}

	for _, name := range dag.Sorted {
		phase := dag.Phases[name]

		node := &Node{
			ID:    name,
			Label: phaseLabel(phase),
			Kind:  NodeKindPhase,
		}
		for i := range phase.Agents {
			ref := &phase.Agents[i]
			agent := &Node{
				ID:    name + "/" + ref.ID,
				Label: fmt.Sprintf("%s: %s", ref.ID, ref.Uses),
				Kind:  NodeKindAgent,
			}
			if !ref.IsEnabled() {
				agent.Status = &StatusOverlay{Status: string(schema.AgentStatusSkipped)}
			}
			node.Agents = append(node.Agents, agent)
		}
		model.Nodes = append(model.Nodes, node)

		for _, dep := range dag.Edges[name] {
			model.Edges = append(model.Edges, Edge{From: dep, To: name})
		}
	}

	return model, nil
}

// AttachRunState overlays phase and agent execution state onto the model.
func AttachRunState(model *Model, snapshot *engine.RunSnapshot) {
	if snapshot == nil {
		return
	}

	phaseStates := make(map[string]*store.PhaseState, len(snapshot.Phases))
	for _, ps := range snapshot.Phases {
		phaseStates[ps.Phase] = ps
	}
	agentStates := make(map[string]*store.AgentState, len(snapshot.Agents))
	for _, as := range snapshot.Agents {
		agentStates[as.Phase+"/"+as.AgentID] = as
	}

	for _, node := range model.Nodes {
		if ps, ok := phaseStates[node.ID]; ok {
			node.Status = &StatusOverlay{
				Status:     string(ps.Status),
				DurationMs: ps.DurationMs,
				Error:      errorMessage(ps.Error),
			}
		}
		for _, agent := range node.Agents {
			if as, ok := agentStates[agent.ID]; ok {
				agent.Status = &StatusOverlay{
					Status:     string(as.Status),
					DurationMs: as.DurationMs,
					Attempts:   as.Attempts,
					Error:      errorMessage(as.Error),
				}
			}
		}
	}
}

func phaseLabel(phase *schema.Phase) string {
	label := phase.Name
	if phase.EffectiveMode() == schema.PhaseModeSequential {
		label += " (sequential)"
	}
	if !phase.IsRequired() {
		label += " (optional)"
	}
	return label
}

// errorMessage extracts a printable message from a stored error payload.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var cerr schema.ConductorError
	if err := json.Unmarshal(raw, &cerr); err == nil && cerr.Message != "" {
		return cerr.Message
	}
	return string(raw)
}
