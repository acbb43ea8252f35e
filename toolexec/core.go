package toolexec

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RegisterCoreTools registers the built-in file, shell, and search tools.
// Shell commands default to defaultShellTimeout and are capped at
// maxShellTimeout regardless of what the model asks for.
func RegisterCoreTools(reg *Registry, defaultShellTimeout, maxShellTimeout time.Duration) {
	if defaultShellTimeout <= 0 {
		defaultShellTimeout = 60 * time.Second
	}
	if maxShellTimeout <= 0 {
		maxShellTimeout = 10 * time.Minute
	}
	registerReadFile(reg)
	registerWriteFile(reg)
	registerEditFile(reg)
	registerListDir(reg)
	registerShell(reg, defaultShellTimeout, maxShellTimeout)
	registerGrep(reg)
	registerGlob(reg)
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func registerReadFile(reg *Registry) {
	reg.Register(Tool{
		Name:        "read_file",
		Description: "Read a file. Returns line-numbered content.",
		Schema: objectSchema(map[string]interface{}{
			"file_path": prop("string", "Path to the file, absolute or workspace-relative."),
			"offset":    prop("integer", "1-based line number to start from."),
			"limit":     prop("integer", "Maximum lines to read. Default 2000."),
		}, "file_path"),
		Run: func(ctx context.Context, env Environment, params map[string]interface{}) (string, error) {
			filePath, _ := StringParam(params, "file_path")
			if filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			offset, _ := IntParam(params, "offset")
			limit, ok := IntParam(params, "limit")
			if !ok || limit == 0 {
				limit = 2000
			}
			return env.ReadFile(filePath, offset, limit)
		},
	})
}

func registerWriteFile(reg *Registry) {
	reg.Register(Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating it and parent directories as needed.",
		Schema: objectSchema(map[string]interface{}{
			"file_path": prop("string", "Path to write to."),
			"content":   prop("string", "The full file content."),
		}, "file_path", "content"),
		Run: func(ctx context.Context, env Environment, params map[string]interface{}) (string, error) {
			filePath, _ := StringParam(params, "file_path")
			if filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			content, ok := StringParam(params, "content")
			if !ok {
				return "", fmt.Errorf("content is required")
			}
			if err := env.WriteFile(filePath, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), filePath), nil
		},
	})
}

func registerEditFile(reg *Registry) {
	reg.Register(Tool{
		Name:        "edit_file",
		Description: "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
		Schema: objectSchema(map[string]interface{}{
			"file_path":   prop("string", "Path to the file to edit."),
			"old_string":  prop("string", "Exact text to find."),
			"new_string":  prop("string", "Replacement text."),
			"replace_all": prop("boolean", "Replace every occurrence. Default false."),
		}, "file_path", "old_string", "new_string"),
		Run: func(ctx context.Context, env Environment, params map[string]interface{}) (string, error) {
			filePath, _ := StringParam(params, "file_path")
			if filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			oldString, ok := StringParam(params, "old_string")
			if !ok || oldString == "" {
				return "", fmt.Errorf("old_string is required")
			}
			newString, _ := StringParam(params, "new_string")
			replaceAll, _ := BoolParam(params, "replace_all")

			content, err := env.RawFile(filePath)
			if err != nil {
				return "", err
			}

			count := strings.Count(content, oldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", filePath)
			}
			if count > 1 && !replaceAll {
				return "", fmt.Errorf("old_string occurs %d times in %s; add surrounding context to make it unique or set replace_all", count, filePath)
			}

			var updated string
			replaced := 1
			if replaceAll {
				updated = strings.ReplaceAll(content, oldString, newString)
				replaced = count
			} else {
				updated = strings.Replace(content, oldString, newString, 1)
			}
			if err := env.WriteFile(filePath, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, filePath), nil
		},
	})
}

func registerListDir(reg *Registry) {
	reg.Register(Tool{
		Name:        "list_dir",
		Description: "List a directory. Directories are suffixed with a slash.",
		Schema: objectSchema(map[string]interface{}{
			"path": prop("string", "Directory to list. Default: working directory."),
		}),
		Run: func(ctx context.Context, env Environment, params map[string]interface{}) (string, error) {
			path, _ := StringParam(params, "path")
			if path == "" {
				path = "."
			}
			entries, err := env.ListDirectory(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return sb.String(), nil
		},
	})
}

func registerShell(reg *Registry, defaultTimeout, maxTimeout time.Duration) {
	reg.Register(Tool{
		Name:        "shell",
		Description: "Execute a shell command in the workspace. Returns combined output and exit code.",
		Schema: objectSchema(map[string]interface{}{
			"command":     prop("string", "The command to run."),
			"timeout_ms":  prop("integer", "Override the default command timeout in milliseconds."),
			"description": prop("string", "What this command does."),
		}, "command"),
		Run: func(ctx context.Context, env Environment, params map[string]interface{}) (string, error) {
			command, _ := StringParam(params, "command")
			if command == "" {
				return "", fmt.Errorf("command is required")
			}
			timeout := defaultTimeout
			if ms, ok := IntParam(params, "timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if timeout > maxTimeout {
				timeout = maxTimeout
			}

			result, err := env.ExecCommand(ctx, command, timeout, "", nil)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Command timed out after %v. Partial output shown above; retry with a larger timeout_ms if needed.]", timeout)
			} else if result.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return sb.String(), nil
		},
	})
}

func registerGrep(reg *Registry) {
	reg.Register(Tool{
		Name:        "grep",
		Description: "Search file contents with a regex. Returns matching lines with paths and line numbers.",
		Schema: objectSchema(map[string]interface{}{
			"pattern":          prop("string", "Regex pattern to search for."),
			"path":             prop("string", "Directory or file to search. Default: working directory."),
			"glob_filter":      prop("string", "File pattern filter, e.g. \"*.go\"."),
			"case_insensitive": prop("boolean", "Case-insensitive search. Default false."),
			"max_results":      prop("integer", "Maximum matches. Default 100."),
		}, "pattern"),
		Run: func(ctx context.Context, env Environment, params map[string]interface{}) (string, error) {
			pattern, _ := StringParam(params, "pattern")
			if pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			path, _ := StringParam(params, "path")
			globFilter, _ := StringParam(params, "glob_filter")
			caseInsensitive, _ := BoolParam(params, "case_insensitive")
			maxResults, ok := IntParam(params, "max_results")
			if !ok || maxResults <= 0 {
				maxResults = 100
			}

			out, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(out) == "" {
				return "No matches.", nil
			}
			return out, nil
		},
	})
}

func registerGlob(reg *Registry) {
	reg.Register(Tool{
		Name:        "glob",
		Description: "Find files matching a glob pattern.",
		Schema: objectSchema(map[string]interface{}{
			"pattern": prop("string", "Glob pattern, e.g. \"**/*.go\"."),
			"path":    prop("string", "Base directory. Default: working directory."),
		}, "pattern"),
		Run: func(ctx context.Context, env Environment, params map[string]interface{}) (string, error) {
			pattern, _ := StringParam(params, "pattern")
			if pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			path, _ := StringParam(params, "path")

			matches, err := env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}
