package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/subprocess"
	"github.com/loomrun/loom/internal/toolrunner"
)

// registerBuiltinTools populates the registry with the stock tool set:
// read-only filesystem inspection plus one command runner. Planners are
// told to keep read-only tasks on the read-only subset.
func registerBuiltinTools(reg *toolrunner.Registry) {
	reg.Register(models.ToolDescriptor{
		Name:        "read_file",
		Description: "Read a text file and return its contents.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "file path to read"}
			},
			"required": ["path"]
		}`),
		Exec: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			const ceiling = 64 * 1024
			if len(data) > ceiling {
				return string(data[:ceiling]) + "\n[truncated]", nil
			}
			return string(data), nil
		},
	})

	reg.Register(models.ToolDescriptor{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "directory to list"}
			},
			"required": ["path"]
		}`),
		Exec: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += string(filepath.Separator)
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	})

	reg.Register(models.ToolDescriptor{
		Name:        "run_command",
		Description: "Run a shell command and return its output. Use only for tasks that must modify state or execute code.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "executable to run"},
				"args": {"type": "array", "items": {"type": "string"}, "description": "argument list"},
				"workdir": {"type": "string", "description": "working directory"}
			},
			"required": ["command"]
		}`),
		Exec: func(ctx context.Context, args map[string]any) (string, error) {
			req := subprocess.Request{
				Command: args["command"].(string),
				WorkDir: optString(args, "workdir"),
			}
			if raw, ok := args["args"].([]any); ok {
				for _, a := range raw {
					if s, ok := a.(string); ok {
						req.Args = append(req.Args, s)
					}
				}
			}
			result, err := subprocess.Run(ctx, req)
			if err != nil {
				return "", err
			}
			if result.ExitCode != 0 {
				return "", fmt.Errorf("exit %d: %s", result.ExitCode, result.Stderr)
			}
			return result.Stdout, nil
		},
	})
}

// ReadOnlyTools is the subset planners should hand to inspection
// tasks.
var ReadOnlyTools = []string{"read_file", "list_dir"}

func optString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
