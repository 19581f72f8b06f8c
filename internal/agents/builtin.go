package agents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// RegisterBuiltins registers the built-in agents on the given registry.
func RegisterBuiltins(r *Registry) error {
	return RegisterBuiltinsWith(r, HTTPOptions{})
}

// RegisterBuiltinsWith registers the built-in agents with shared HTTP options,
// including the vault used to resolve secret:// references.
func RegisterBuiltinsWith(r *Registry, opts HTTPOptions) error {
	builtins := []Agent{
		&EchoAgent{},
		&DelayAgent{},
		NewHTTPFetchAgent(opts),
		NewEntityUpsertAgent(opts),
		NewTransformAgent(),
	}
	for _, a := range builtins {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// EchoAgent returns its config and payload unchanged. Useful for wiring
// checks and as a stand-in while a real agent is under development.
type EchoAgent struct{}

func (a *EchoAgent) Name() string { return "echo" }

func (a *EchoAgent) Schema() AgentSchema {
	return AgentSchema{Description: "Returns its config and payload unchanged."}
}

func (a *EchoAgent) Validate(config map[string]any) error { return nil }

func (a *EchoAgent) Process(ctx context.Context, input Input) (*Output, error) {
	data, err := json.Marshal(map[string]any{
		"config":  input.Config,
		"payload": input.Payload,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal echo output").WithCause(err)
	}
	return &Output{Data: data}, nil
}

const delayConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["duration"],
  "properties": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  },
  "additionalProperties": false
}`

// DelayAgent sleeps for a configured duration, respecting cancellation.
type DelayAgent struct{}

func (a *DelayAgent) Name() string { return "delay" }

func (a *DelayAgent) Schema() AgentSchema {
	return AgentSchema{
		ConfigSchema: json.RawMessage(delayConfigSchema),
		Description:  "Waits for a configured duration before completing.",
	}
}

func (a *DelayAgent) Validate(config map[string]any) error {
	if err := ValidateConfig(config, []byte(delayConfigSchema)); err != nil {
		return err
	}
	if _, err := time.ParseDuration(stringParam(config, "duration", "")); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid duration: %s", err.Error())
	}
	return nil
}

func (a *DelayAgent) Process(ctx context.Context, input Input) (*Output, error) {
	dur, err := time.ParseDuration(stringParam(input.Config, "duration", ""))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration: %s", err.Error())
	}

	select {
	case <-time.After(dur):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	data, _ := json.Marshal(map[string]any{"waited": dur.String()})
	return &Output{Data: data}, nil
}
