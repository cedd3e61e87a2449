package coretools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/steward/pkg/stream"
	"github.com/stewardlabs/steward/pkg/tools"
)

func newExecutor(t *testing.T, opts Options) *tools.Executor {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, Register(registry, opts))
	return tools.NewExecutor(registry, 0, zerolog.Nop())
}

func run(t *testing.T, exec *tools.Executor, name string, args map[string]interface{}) (string, error) {
	t.Helper()
	return exec.Execute(context.Background(), stream.ToolCall{ID: "tc", Name: name, Arguments: args})
}

func TestReadWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	exec := newExecutor(t, Options{WorkspaceRoot: root})

	out, err := run(t, exec, "write_file", map[string]interface{}{
		"path":    "sub/notes.txt",
		"content": "hello world",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "11 bytes")

	got, err := run(t, exec, "read_file", map[string]interface{}{"path": "sub/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestWriteAppend(t *testing.T) {
	root := t.TempDir()
	exec := newExecutor(t, Options{WorkspaceRoot: root})

	_, err := run(t, exec, "write_file", map[string]interface{}{"path": "a.txt", "content": "one"})
	require.NoError(t, err)
	_, err = run(t, exec, "write_file", map[string]interface{}{"path": "a.txt", "content": "two", "append": true})
	require.NoError(t, err)

	got, err := run(t, exec, "read_file", map[string]interface{}{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "onetwo", got)
}

func TestReadTruncation(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte("0123456789"), 0o644))
	exec := newExecutor(t, Options{WorkspaceRoot: root})

	got, err := run(t, exec, "read_file", map[string]interface{}{"path": "big.txt", "max_bytes": float64(4)})
	require.NoError(t, err)
	assert.Contains(t, got, "0123")
	assert.Contains(t, got, "truncated at 4 bytes")
}

func TestListDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	exec := newExecutor(t, Options{WorkspaceRoot: root})

	got, err := run(t, exec, "list_dir", map[string]interface{}{})
	require.NoError(t, err)
	assert.Contains(t, got, "f.txt")
	assert.Contains(t, got, "d/")
}

func TestPathEscapeRefused(t *testing.T) {
	exec := newExecutor(t, Options{WorkspaceRoot: t.TempDir()})

	_, err := run(t, exec, "read_file", map[string]interface{}{"path": "../../etc/passwd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the workspace")
}

func TestExecDisabledByDefault(t *testing.T) {
	exec := newExecutor(t, Options{WorkspaceRoot: t.TempDir()})

	_, err := run(t, exec, "exec", map[string]interface{}{"command": "true"})
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestExecRunsCommand(t *testing.T) {
	exec := newExecutor(t, Options{WorkspaceRoot: t.TempDir(), EnableExec: true})

	got, err := run(t, exec, "exec", map[string]interface{}{
		"command": "echo",
		"args":    []interface{}{"hi"},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "hi")
}

func TestDefaultRiskTableCoversAllTools(t *testing.T) {
	table := DefaultRiskTable()
	for _, name := range []string{"read_file", "list_dir", "write_file", "exec"} {
		_, ok := table[name]
		assert.True(t, ok, name)
	}
}
