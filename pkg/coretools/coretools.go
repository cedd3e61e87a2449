// Package coretools registers the built-in workspace tools: file
// reads and writes scoped to a workspace root, and command execution.
// Their default risk tiers live in DefaultRiskTable so deployments get
// sensible gating without hand-writing a risk table.
package coretools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/tools"
)

const defaultReadLimit = 200_000

// Options configures the built-in tools.
type Options struct {
	// WorkspaceRoot confines every path argument. Required.
	WorkspaceRoot string
	// EnableExec registers the exec tool. Off by default.
	EnableExec bool
}

// DefaultRiskTable maps the built-in tools to their risk tiers.
func DefaultRiskTable() map[string]risk.Level {
	return map[string]risk.Level{
		"read_file":  risk.ReadOnly,
		"list_dir":   risk.ReadOnly,
		"write_file": risk.WriteLowRisk,
		"exec":       risk.WriteHighRisk,
	}
}

// Register adds the built-in tools to a registry.
func Register(registry *tools.Registry, opts Options) error {
	if opts.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root is required")
	}

	defs := []tools.Definition{
		readFileTool(opts),
		listDirTool(opts),
		writeFileTool(opts),
	}
	if opts.EnableExec {
		defs = append(defs, execTool(opts))
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func readFileTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":      map[string]interface{}{"type": "string", "description": "Relative file path"},
				"max_bytes": map[string]interface{}{"type": "number", "description": "Maximum bytes to read"},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, err := resolvePath(opts.WorkspaceRoot, args["path"])
			if err != nil {
				return "", err
			}

			limit := int64(defaultReadLimit)
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				limit = int64(raw)
			}

			data, truncated, err := readWithLimit(path, limit)
			if err != nil {
				return "", err
			}
			out := string(data)
			if truncated {
				out += fmt.Sprintf("\n[truncated at %d bytes]", limit)
			}
			return out, nil
		},
	}
}

func listDirTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "list_dir",
		Description: "List a directory in the workspace",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Relative directory path"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			rel := args["path"]
			if rel == nil {
				rel = "."
			}
			path, err := resolvePath(opts.WorkspaceRoot, rel)
			if err != nil {
				return "", err
			}

			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, entry := range entries {
				if entry.IsDir() {
					b.WriteString(entry.Name() + "/\n")
				} else {
					b.WriteString(entry.Name() + "\n")
				}
			}
			return b.String(), nil
		},
	}
}

func writeFileTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "write_file",
		Description: "Write a file in the workspace",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "Relative file path"},
				"content": map[string]interface{}{"type": "string", "description": "File content"},
				"append":  map[string]interface{}{"type": "boolean", "description": "Append instead of overwrite"},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, err := resolvePath(opts.WorkspaceRoot, args["path"])
			if err != nil {
				return "", err
			}
			content := args["content"].(string)

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode, _ := args["append"].(bool); appendMode {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return "", err
			}
			defer f.Close()

			if _, err := f.WriteString(content); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), args["path"]), nil
		},
	}
}

func execTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "exec",
		Description: "Run a command in the workspace",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "description": "Command to execute"},
				"args":    map[string]interface{}{"type": "array", "description": "Command arguments"},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			command := args["command"].(string)
			cmdArgs := toStringSlice(args["args"])

			cmd := exec.CommandContext(ctx, command, cmdArgs...)
			cmd.Dir = opts.WorkspaceRoot
			out, err := cmd.CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
			}
			return string(out), nil
		},
	}
}

// resolvePath joins a relative path to the workspace root and refuses
// escapes.
func resolvePath(root string, value interface{}) (string, error) {
	rel, ok := value.(string)
	if !ok || rel == "" {
		return "", fmt.Errorf("path is required")
	}

	abs := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}

	truncated := info.Size() > limit
	size := info.Size()
	if truncated {
		size = limit
	}

	buf := make([]byte, size)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, false, err
	}
	return buf[:n], truncated, nil
}

func toStringSlice(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
