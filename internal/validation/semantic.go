package validation

import (
	"fmt"
	"time"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: agent 'uses' references registered, depends_on refs valid, timeout
// consistency, retry policy sanity.
func validateSemantic(def *schema.WorkflowDefinition, lookup AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	phaseNames := make(map[string]bool, len(def.Phases))
	for _, p := range def.Phases {
		phaseNames[p.Name] = true
	}

	for i := range def.Phases {
		path := fmt.Sprintf("phases[%d]", i)
		validatePhaseSemantic(&def.Phases[i], path, phaseNames, lookup, def.Timeout, result)
	}

	return result
}

// validatePhaseSemantic checks a single phase and its agent references.
func validatePhaseSemantic(phase *schema.Phase, path string, phaseNames map[string]bool, lookup AgentLookup, wfTimeout string, result *schema.ValidationResult) {
	// depends_on references.
	for j, dep := range phase.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		if dep == phase.Name {
			result.AddError(depPath, schema.ErrCodeCycleDetected,
				fmt.Sprintf("phase %q depends on itself", phase.Name))
			continue
		}
		if !phaseNames[dep] {
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent phase %q", dep))
		}
	}

	allDisabled := len(phase.Agents) > 0
	for j := range phase.Agents {
		ref := &phase.Agents[j]
		agentPath := fmt.Sprintf("%s.agents[%d]", path, j)
		validateAgentSemantic(ref, agentPath, lookup, wfTimeout, result)
		if ref.IsEnabled() {
			allDisabled = false
		}
	}

	// A phase with every agent disabled always skips; flag it for the author.
	if allDisabled {
		result.AddWarning(path+".agents", schema.ErrCodeValidation,
			fmt.Sprintf("all agents in phase %q are disabled; the phase will never produce output", phase.Name))
	}
}

// validateAgentSemantic checks a single agent reference.
func validateAgentSemantic(ref *schema.AgentReference, path string, lookup AgentLookup, wfTimeout string, result *schema.ValidationResult) {
	// Agent existence.
	if lookup != nil && !lookup.Has(ref.Uses) {
		result.AddError(path+".uses", schema.ErrCodeAgentUnavailable,
			fmt.Sprintf("agent %q not registered", ref.Uses))
	}

	// Warning: high retry count.
	if ref.Retry != nil && ref.Retry.Max > 10 {
		result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", ref.Retry.Max))
	}

	// Warning: agent timeout exceeds the run-level timeout.
	if ref.Timeout != "" && wfTimeout != "" {
		aDur, aErr := time.ParseDuration(ref.Timeout)
		wDur, wErr := time.ParseDuration(wfTimeout)
		if aErr == nil && wErr == nil && aDur > wDur {
			result.AddWarning(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("agent timeout (%s) exceeds workflow timeout (%s); the run deadline fires first", ref.Timeout, wfTimeout))
		}
	}

	// Warning: retry on a disabled agent is dead configuration.
	if !ref.IsEnabled() && ref.Retry != nil {
		result.AddWarning(path+".retry", schema.ErrCodeValidation,
			fmt.Sprintf("agent %q is disabled; its retry policy is never applied", ref.ID))
	}
}
