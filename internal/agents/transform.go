package agents

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/urbanpulse/conductor/internal/expressions"
	"github.com/urbanpulse/conductor/pkg/schema"
)

const transformConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

// TransformAgent implements the "transform.jq" agent: it reshapes upstream
// payloads with a jq query before they are handed to a publishing agent.
// The query runs against the merged upstream payload object.
type TransformAgent struct {
	engine *expressions.GoJQEngine
}

// NewTransformAgent creates a new transform.jq agent.
func NewTransformAgent() *TransformAgent {
	return &TransformAgent{engine: expressions.NewGoJQEngine()}
}

func (a *TransformAgent) Name() string { return "transform.jq" }

func (a *TransformAgent) Schema() AgentSchema {
	return AgentSchema{
		Description:  "Reshape the upstream payload with a jq query.",
		ConfigSchema: json.RawMessage(transformConfigSchema),
	}
}

func (a *TransformAgent) Validate(config map[string]any) error {
	if err := ValidateConfig(config, []byte(transformConfigSchema)); err != nil {
		return err
	}
	if _, err := gojq.Parse(stringParam(config, "query", "")); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq: invalid query").WithCause(err)
	}
	return nil
}

func (a *TransformAgent) Process(ctx context.Context, input Input) (*Output, error) {
	config := input.Config
	if config == nil {
		config = map[string]any{}
	}
	if err := a.Validate(config); err != nil {
		return nil, err
	}

	payload := input.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	result, err := a.engine.Evaluate(ctx, stringParam(config, "query", ""), payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "transform.jq: query evaluation failed").WithCause(err)
	}

	data, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "transform.jq: failed to marshal output").WithCause(err)
	}
	return &Output{Data: data}, nil
}
