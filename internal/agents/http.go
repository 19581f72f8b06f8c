package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/urbanpulse/conductor/internal/secrets"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// HTTPOptions configures the HTTP-backed agents.
// Vault, when set, resolves secret:// references in header and auth values.
type HTTPOptions struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Vault           secrets.Vault
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpFetchConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string"},
    "method": {"type": "string", "enum": ["GET", "POST"], "default": "GET"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "additionalProperties": false
}`

const httpFetchOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPFetchAgent implements the "http.fetch" agent: it pulls observations
// from a REST endpoint (weather services, sensor gateways, open-data feeds)
// and hands the parsed payload downstream.
type HTTPFetchAgent struct {
	opts HTTPOptions
}

// NewHTTPFetchAgent creates a new http.fetch agent.
func NewHTTPFetchAgent(opts HTTPOptions) *HTTPFetchAgent {
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPFetchAgent{opts: opts}
}

func (a *HTTPFetchAgent) Name() string { return "http.fetch" }

func (a *HTTPFetchAgent) Schema() AgentSchema {
	return AgentSchema{
		Description:  "Fetch observations from a REST endpoint with headers, query params and auth.",
		ConfigSchema: json.RawMessage(httpFetchConfigSchema),
		OutputSchema: json.RawMessage(httpFetchOutputSchema),
	}
}

func (a *HTTPFetchAgent) Validate(config map[string]any) error {
	if err := ValidateConfig(config, []byte(httpFetchConfigSchema)); err != nil {
		return err
	}
	return validateURL("http.fetch", stringParam(config, "url", ""))
}

func (a *HTTPFetchAgent) Process(ctx context.Context, input Input) (*Output, error) {
	config := input.Config
	if config == nil {
		config = map[string]any{}
	}
	if err := a.Validate(config); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(config, "method", "GET"))
	rawURL := stringParam(config, "url", "")

	// Append query parameters.
	if q, ok := config["query"].(map[string]any); ok && len(q) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.fetch: invalid url %q", rawURL)
		}
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = vals.Encode()
		rawURL = u.String()
	}

	var bodyReader io.Reader
	if rawBody, ok := config["body"]; ok && rawBody != nil {
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "http.fetch: failed to marshal body as JSON").WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	result, err := doRequest(ctx, a.opts, method, rawURL, bodyReader, config)
	if err != nil {
		return nil, err
	}

	if boolParam(config, "fail_on_error_status", true) {
		if code, ok := result["status_code"].(int); ok && code >= 400 {
			errCode := schema.ErrCodeNonRetryable
			if code >= 500 {
				errCode = schema.ErrCodeExecution
			}
			return nil, schema.NewErrorf(errCode, "http.fetch: server returned %d", code).
				WithDetails(result)
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.fetch: failed to marshal output").WithCause(err)
	}
	return &Output{Data: data}, nil
}

const entityUpsertConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "auth": {"type": "object"},
    "timeout": {"type": "string"},
    "entities": {"type": "array"},
    "payload_key": {"type": "string", "default": "entities"},
    "batch_size": {"type": "integer", "minimum": 1, "default": 100}
  },
  "additionalProperties": false
}`

// EntityUpsertAgent implements the "entity.upsert" agent: it publishes a
// batch of entities to a context-broker-style HTTP endpoint. Entities come
// either from the config or from an upstream payload key.
type EntityUpsertAgent struct {
	opts HTTPOptions
}

// NewEntityUpsertAgent creates a new entity.upsert agent.
func NewEntityUpsertAgent(opts HTTPOptions) *EntityUpsertAgent {
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultHTTPTimeout
	}
	return &EntityUpsertAgent{opts: opts}
}

func (a *EntityUpsertAgent) Name() string { return "entity.upsert" }

func (a *EntityUpsertAgent) Schema() AgentSchema {
	return AgentSchema{
		Description:  "Publish a batch of entities to a context broker endpoint over HTTP.",
		ConfigSchema: json.RawMessage(entityUpsertConfigSchema),
	}
}

func (a *EntityUpsertAgent) Validate(config map[string]any) error {
	if err := ValidateConfig(config, []byte(entityUpsertConfigSchema)); err != nil {
		return err
	}
	return validateURL("entity.upsert", stringParam(config, "url", ""))
}

func (a *EntityUpsertAgent) Process(ctx context.Context, input Input) (*Output, error) {
	config := input.Config
	if config == nil {
		config = map[string]any{}
	}
	if err := a.Validate(config); err != nil {
		return nil, err
	}

	entities := a.collectEntities(config, input.Payload)
	if len(entities) == 0 {
		data, _ := json.Marshal(map[string]any{"upserted": 0, "batches": 0})
		return &Output{Data: data}, nil
	}

	rawURL := stringParam(config, "url", "")
	batchSize := intParam(config, "batch_size", 100)
	if batchSize <= 0 {
		batchSize = 100
	}

	batches := 0
	for start := 0; start < len(entities); start += batchSize {
		end := min(start+batchSize, len(entities))
		b, err := json.Marshal(entities[start:end])
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "entity.upsert: failed to marshal batch").WithCause(err)
		}

		result, err := doRequest(ctx, a.opts, http.MethodPost, rawURL, strings.NewReader(string(b)), config)
		if err != nil {
			return nil, err
		}
		if code, ok := result["status_code"].(int); ok && code >= 400 {
			errCode := schema.ErrCodeNonRetryable
			if code >= 500 {
				errCode = schema.ErrCodeExecution
			}
			return nil, schema.NewErrorf(errCode,
				"entity.upsert: broker returned %d for batch %d", code, batches).
				WithDetails(result)
		}
		batches++
	}

	data, err := json.Marshal(map[string]any{"upserted": len(entities), "batches": batches})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "entity.upsert: failed to marshal output").WithCause(err)
	}
	return &Output{Data: data}, nil
}

// collectEntities gathers entities from config first, then from the upstream
// payload under the configured key.
func (a *EntityUpsertAgent) collectEntities(config, payload map[string]any) []any {
	if raw, ok := config["entities"].([]any); ok {
		return raw
	}
	key := stringParam(config, "payload_key", "entities")
	if payload == nil {
		return nil
	}
	if raw, ok := payload[key].([]any); ok {
		return raw
	}
	return nil
}

// --- shared HTTP plumbing ---

func validateURL(agentName, rawURL string) error {
	if rawURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'url'", agentName)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", agentName, rawURL)
	}
	return nil
}

// resolveSecret replaces a secret:// reference with its vault value.
// Plain values pass through; references without a configured vault fail.
func resolveSecret(ctx context.Context, opts HTTPOptions, value string) (string, error) {
	key, ok := secrets.ParseRef(value)
	if !ok {
		return value, nil
	}
	if opts.Vault == nil {
		return "", schema.NewErrorf(schema.ErrCodeVault, "secret reference %q but no vault configured", value)
	}
	resolved, err := opts.Vault.Resolve(ctx, key)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeVault, "resolve secret %q failed", key).WithCause(err)
	}
	return string(resolved), nil
}

// doRequest performs a single HTTP exchange and returns a normalized result map.
func doRequest(ctx context.Context, opts HTTPOptions, method, rawURL string, body io.Reader, config map[string]any) (map[string]any, error) {
	timeout := opts.DefaultTimeout
	if ts := stringParam(config, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if hdrs, ok := config["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			val, rErr := resolveSecret(reqCtx, opts, fmt.Sprintf("%v", v))
			if rErr != nil {
				return nil, rErr
			}
			req.Header.Set(k, val)
		}
	}

	if auth, ok := config["auth"].(map[string]any); ok {
		switch stringParam(auth, "type", "") {
		case "bearer":
			token, rErr := resolveSecret(reqCtx, opts, stringParam(auth, "token", ""))
			if rErr != nil {
				return nil, rErr
			}
			req.Header.Set("Authorization", "Bearer "+token)
		case "basic":
			password, rErr := resolveSecret(reqCtx, opts, stringParam(auth, "password", ""))
			if rErr != nil {
				return nil, rErr
			}
			req.SetBasicAuth(stringParam(auth, "username", ""), password)
		case "api_key":
			if name := stringParam(auth, "header_name", ""); name != "" {
				val, rErr := resolveSecret(reqCtx, opts, stringParam(auth, "header_value", ""))
				if rErr != nil {
					return nil, rErr
				}
				req.Header.Set(name, val)
			}
		}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(contentType, "application/json"):
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	return map[string]any{
		"status_code":  resp.StatusCode,
		"body":         parsedBody,
		"content_type": contentType,
		"duration_ms":  durationMs,
	}, nil
}
