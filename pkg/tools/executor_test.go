package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/steward/pkg/stream"
)

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echoes the message back",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"message": map[string]interface{}{"type": "string"},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return args["message"].(string), nil
		},
	}
}

func TestRegistryRejectsDuplicatesAndBadDefinitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	assert.Error(t, r.Register(echoTool()))
	assert.Error(t, r.Register(Definition{Name: "", Handler: echoTool().Handler}))
	assert.Error(t, r.Register(Definition{Name: "no_handler"}))

	def, ok := r.Get("echo")
	assert.True(t, ok)
	assert.Equal(t, "echo", def.Name)
	assert.Len(t, r.Schemas(), 1)
}

func TestExecuteRunsHandler(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))
	exec := NewExecutor(r, 0, zerolog.Nop())

	result, err := exec.Execute(context.Background(), stream.ToolCall{
		ID:        "tc_1",
		Name:      "echo",
		Arguments: map[string]interface{}{"message": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestExecuteUnknownTool(t *testing.T) {
	exec := NewExecutor(NewRegistry(), 0, zerolog.Nop())

	_, err := exec.Execute(context.Background(), stream.ToolCall{Name: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestExecuteSchemaValidation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))
	exec := NewExecutor(r, 0, zerolog.Nop())

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing required field", map[string]interface{}{}},
		{"wrong type", map[string]interface{}{"message": float64(42)}},
		{"nil arguments", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), stream.ToolCall{
				Name:      "echo",
				Arguments: tt.args,
			})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "echo", verr.Tool)
		})
	}
}

func TestExecuteSchemalessToolAcceptsAnything(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name: "freeform",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "ok", nil
		},
	}))
	exec := NewExecutor(r, 0, zerolog.Nop())

	result, err := exec.Execute(context.Background(), stream.ToolCall{
		Name:      "freeform",
		Arguments: map[string]interface{}{"anything": []interface{}{1, "two"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			select {
			case <-ctx.Done():
				return "", Transient(ctx.Err())
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	}))
	exec := NewExecutor(r, 50*time.Millisecond, zerolog.Nop())

	_, err := exec.Execute(context.Background(), stream.ToolCall{Name: "slow"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := Transient(base)

	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))
}
