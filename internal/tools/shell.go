package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/vinayprograms/warden/internal/policy"
)

const (
	defaultShellTimeout   = 30 * time.Second
	defaultMaxOutputBytes = 8000
)

// ShellTool runs a command directly (no shell interpreter) in a working directory.
type ShellTool struct {
	cwd      string
	timeout  time.Duration
	maxBytes int
}

// NewShellTool creates a shell tool. Zero values select the defaults.
func NewShellTool(cwd string, timeout time.Duration, maxOutputBytes int) *ShellTool {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	return &ShellTool{cwd: cwd, timeout: timeout, maxBytes: maxOutputBytes}
}

func (t *ShellTool) Name() string { return policy.ToolShell }

func (t *ShellTool) Description() string {
	return "Run a single command in the working directory. Pipes, redirects, chaining and expansions are rejected."
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"command":         "command line, e.g. \"ls -la\"",
		"timeout_seconds": "optional, default 30",
	}
}

func (t *ShellTool) Invoke(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command := stringArg(args, "command")
	words, err := policy.SplitCommand(command)
	if err != nil {
		return nil, Fatal(t.Name(), err)
	}
	if len(words) == 0 {
		return nil, Fatalf(t.Name(), "empty command")
	}
	if exe := words[0]; strings.ContainsAny(exe, `/\`) {
		path, err := policy.ResolvePath(t.cwd, exe)
		if err == nil {
			err = confine(t.cwd, path)
		}
		if err != nil {
			return nil, Fatal(t.Name(), fmt.Errorf("%s: %w", exe, err))
		}
	}

	timeout := t.timeout
	if secs := intArg(args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, words[0], words[1:]...)
	cmd.Dir = t.cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, Retryable(t.Name(), fmt.Errorf("command timed out after %s", timeout))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return nil, Fatal(t.Name(), err)
		case errors.Is(err, fs.ErrPermission):
			return nil, Fatal(t.Name(), err)
		default:
			return nil, Retryable(t.Name(), err)
		}
	}

	return &Result{
		OK:      exitCode == 0,
		Output:  tail(stdout.String(), t.maxBytes),
		Stderr:  tail(stderr.String(), t.maxBytes),
		Payload: map[string]interface{}{"returncode": exitCode},
	}, nil
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
