package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	TimedOut bool          `json:"timedOut"`
	Elapsed  time.Duration `json:"-"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// DirEntry is one filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures content search.
type GrepOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// Environment abstracts where tool operations run, so agents can target a
// local workspace today and a sandbox later without touching tool code.
type Environment interface {
	// ReadFile returns line-numbered content starting at the 1-based
	// offset, at most limit lines (0 means no limit).
	ReadFile(path string, offset, limit int) (string, error)
	// RawFile returns the file content unmodified.
	RawFile(path string) (string, error)
	WriteFile(path, content string) error
	FileExists(path string) bool
	ListDirectory(path string) ([]DirEntry, error)

	ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, extraEnv map[string]string) (*ExecResult, error)

	Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error)
	Glob(pattern, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
}

// sensitiveEnvSuffixes name environment variables withheld from spawned
// commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// alwaysSafeEnv are passed through regardless of suffix matching.
var alwaysSafeEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnv(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filteredEnviron() []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if alwaysSafeEnv[name] || !isSensitiveEnv(name) {
			out = append(out, kv)
		}
	}
	return out
}

// LocalEnvironment runs tools directly on the local machine, rooted at a
// working directory. Relative paths resolve against that root.
type LocalEnvironment struct {
	workingDir string
}

// NewLocalEnvironment creates the working directory if needed and returns
// an environment rooted there. An empty dir means the process working
// directory.
func NewLocalEnvironment(workingDir string) (*LocalEnvironment, error) {
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workingDir = wd
	}
	if err := os.MkdirAll(workingDir, 0755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	return &LocalEnvironment{workingDir: workingDir}, nil
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnvironment) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) RawFile(path string) (string, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (e *LocalEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	raw, err := e.RawFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(raw, "\n")

	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

func (e *LocalEnvironment) WriteFile(path, content string) error {
	resolved := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (e *LocalEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.resolve(path))
	return err == nil
}

func (e *LocalEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	return result, nil
}

func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, extraEnv map[string]string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	} else {
		workingDir = e.resolve(workingDir)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, shellArg := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = workingDir
	// Own process group so a timeout can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := filteredEnviron()
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = -1
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("exec: %w", err)
		}
	}
	return result, nil
}

func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.resolve(path)
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, path, opts)
	}

	args := []string{pattern, path, "--line-number", "--no-heading"}
	if opts.CaseInsensitive {
		args = append(args, "-i")
	}
	if opts.GlobFilter != "" {
		args = append(args, "--glob", opts.GlobFilter)
	}
	if opts.MaxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", opts.MaxResults))
	}

	cmd := exec.CommandContext(ctx, rgPath, args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// rg exits 1 on no matches; empty output is the answer.
	_ = cmd.Run()
	return stdout.String(), nil
}

func (e *LocalEnvironment) grepFallback(ctx context.Context, pattern, path string, opts GrepOptions) (string, error) {
	args := []string{"-rn", pattern, path}
	if opts.CaseInsensitive {
		args = append([]string{"-i"}, args...)
	}
	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run()
	return stdout.String(), nil
}

func (e *LocalEnvironment) Glob(pattern, path string) ([]string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.resolve(path)
	}

	matches, err := filepath.Glob(filepath.Join(path, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	result := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m); err == nil {
			result[i] = rel
		} else {
			result[i] = m
		}
	}
	return result, nil
}
