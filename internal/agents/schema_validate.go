package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// schemaCache caches compiled JSON Schemas keyed by their raw text.
// Shared by all built-in agents so repeated validations stay cheap.
var schemaCache = struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}{cache: make(map[string]*jsonschema.Schema)}

// ValidateConfig validates an agent config payload against a JSON Schema
// (Draft 2020-12) provided as raw bytes. A nil/empty schema validates anything.
func ValidateConfig(config map[string]any, configSchema []byte) error {
	if len(configSchema) == 0 {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}

	compiled, err := getOrCompile(configSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid config schema").WithCause(err)
	}

	// Round-trip through JSON so numbers become json.Number (required by the
	// jsonschema library) and YAML-decoded values normalize.
	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize config").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toConductorError(err)
	}
	return nil
}

func getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	schemaCache.mu.RLock()
	if cached, ok := schemaCache.cache[key]; ok {
		schemaCache.mu.RUnlock()
		return cached, nil
	}
	schemaCache.mu.RUnlock()

	schemaCache.mu.Lock()
	defer schemaCache.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := schemaCache.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("conductor://config-schema/%d", len(schemaCache.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	schemaCache.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toConductorError converts a jsonschema.ValidationError into a ConductorError
// with clear, actionable messages.
func toConductorError(err error) *schema.ConductorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("config validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
