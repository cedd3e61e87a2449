package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stewardlabs/steward/pkg/stream"
)

// Executor runs tool calls against a registry. Arguments are validated
// against the tool's JSON schema before the handler runs.
type Executor struct {
	registry *Registry
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewExecutor creates an executor. A zero timeout means handlers run
// under the caller's context alone.
func NewExecutor(registry *Registry, timeout time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		logger:   logger,
		timeout:  timeout,
	}
}

// Execute validates and runs one tool call, returning the handler's
// textual result.
func (e *Executor) Execute(ctx context.Context, call stream.ToolCall) (string, error) {
	def, ok := e.registry.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	if err := e.validate(def, call.Arguments); err != nil {
		return "", err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := def.Handler(ctx, call.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn().
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("Tool execution failed")
		return "", err
	}

	e.logger.Debug().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Dur("elapsed", elapsed).
		Msg("Tool executed")
	return result, nil
}

// validate checks arguments against the tool's input schema. Tools
// without a schema accept anything.
func (e *Executor) validate(def Definition, args map[string]interface{}) error {
	if len(def.InputSchema) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(def.InputSchema)
	if err != nil {
		return &ValidationError{Tool: def.Name, Detail: fmt.Sprintf("unusable schema: %v", err)}
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return &ValidationError{Tool: def.Name, Detail: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &ValidationError{Tool: def.Name, Detail: strings.Join(details, "; ")}
}
