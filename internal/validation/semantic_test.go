package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// stubLookup implements AgentLookup with a fixed set of names.
type stubLookup map[string]bool

func (s stubLookup) Has(name string) bool { return s[name] }

var knownAgents = stubLookup{
	"http.fetch":    true,
	"entity.upsert": true,
	"transform.jq":  true,
	"echo":          true,
}

func TestSemantic_ValidDefinition(t *testing.T) {
	result := validateSemantic(validDefinition(), knownAgents)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_UnknownAgent(t *testing.T) {
	def := validDefinition()
	def.Phases[0].Agents[0].Uses = "carrier.pigeon"

	result := validateSemantic(def, knownAgents)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeAgentUnavailable, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "carrier.pigeon")
}

func TestSemantic_NilLookupSkipsExistenceCheck(t *testing.T) {
	def := validDefinition()
	def.Phases[0].Agents[0].Uses = "carrier.pigeon"

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_UnknownDependency(t *testing.T) {
	def := validDefinition()
	def.Phases[1].DependsOn = []string{"nope"}

	result := validateSemantic(def, knownAgents)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "non-existent phase")
}

func TestSemantic_SelfDependency(t *testing.T) {
	def := validDefinition()
	def.Phases[0].DependsOn = []string{"collect"}

	result := validateSemantic(def, knownAgents)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestSemantic_HighRetryCountWarns(t *testing.T) {
	def := validDefinition()
	def.Phases[1].Agents[0].Retry.Max = 50

	result := validateSemantic(def, knownAgents)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "high retry count")
}

func TestSemantic_AgentTimeoutExceedsWorkflowTimeoutWarns(t *testing.T) {
	def := validDefinition()
	def.Timeout = "10s"
	def.Phases[1].Agents[0].Timeout = "1m"

	result := validateSemantic(def, knownAgents)
	assert.True(t, result.Valid())
	found := false
	for _, w := range result.Warnings {
		if w.Path == "phases[1].agents[0].timeout" {
			found = true
		}
	}
	assert.True(t, found, "expected timeout warning")
}

func TestSemantic_AllAgentsDisabledWarns(t *testing.T) {
	disabled := false
	def := validDefinition()
	def.Phases[0].Agents[0].Enabled = &disabled

	result := validateSemantic(def, knownAgents)
	assert.True(t, result.Valid())
	found := false
	for _, w := range result.Warnings {
		if w.Path == "phases[0].agents" {
			found = true
		}
	}
	assert.True(t, found, "expected all-disabled warning")
}

func TestSemantic_RetryOnDisabledAgentWarns(t *testing.T) {
	disabled := false
	def := validDefinition()
	def.Phases[1].Agents[0].Enabled = &disabled

	result := validateSemantic(def, knownAgents)
	assert.True(t, result.Valid())
	found := false
	for _, w := range result.Warnings {
		if w.Path == "phases[1].agents[0].retry" {
			found = true
		}
	}
	assert.True(t, found, "expected dead-retry warning")
}
