package diagram

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	model, err := FromDefinition(trafficDefinition())
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% traffic-ingest v1.0.0")
	assert.Contains(t, out, `subgraph collect["collect"]`)
	assert.Contains(t, out, `collect_loops["loops: http.fetch"]`)
	assert.Contains(t, out, "collect --> transform")
	assert.Contains(t, out, "transform --> publish")

	// Disabled agent renders with the skipped class.
	assert.Contains(t, out, "class collect_cameras skipped")
}

func TestRenderMermaidWithRunState(t *testing.T) {
	model, err := FromDefinition(trafficDefinition())
	require.NoError(t, err)

	AttachRunState(model, &engine.RunSnapshot{
		Status: schema.RunStatusRunning,
		Phases: []*store.PhaseState{
			{Phase: "collect", Status: schema.PhaseStatusSucceeded},
			{Phase: "transform", Status: schema.PhaseStatusRunning},
		},
		Agents: []*store.AgentState{
			{Phase: "collect", AgentID: "loops", Status: schema.AgentStatusSucceeded, DurationMs: 380, Attempts: 2},
		},
	})

	out := RenderMermaid(model)
	assert.Contains(t, out, "class collect succeeded")
	assert.Contains(t, out, "class transform running")
	assert.Contains(t, out, "loops: http.fetch (380ms) x2")
}

func TestRenderASCII(t *testing.T) {
	model, err := FromDefinition(trafficDefinition())
	require.NoError(t, err)

	errPayload, _ := json.Marshal(schema.NewError(schema.ErrCodeAgentFailed, "boom"))
	AttachRunState(model, &engine.RunSnapshot{
		Status: schema.RunStatusFailed,
		Phases: []*store.PhaseState{
			{Phase: "collect", Status: schema.PhaseStatusSucceeded, DurationMs: 420},
			{Phase: "publish", Status: schema.PhaseStatusFailed, Error: errPayload},
		},
	})

	out := RenderASCII(model)

	assert.Contains(t, out, "=== traffic-ingest v1.0.0 ===")
	assert.Contains(t, out, "collect [OK]")
	assert.Contains(t, out, "- loops: http.fetch")
	assert.Contains(t, out, "publish [FAIL]")
	assert.Contains(t, out, "420ms")
	// One connector per level gap.
	assert.Contains(t, out, "▼")
}

func TestRenderImage(t *testing.T) {
	model, err := FromDefinition(trafficDefinition())
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	require.NotEmpty(t, png)

	// PNG magic bytes.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}
