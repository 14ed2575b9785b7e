package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"

	"github.com/vinayprograms/warden/internal/policy"
)

const (
	maxSearchMatches = 200
	maxMatchLine     = 300
)

// FileTool reads, writes, lists and searches files under a root directory.
type FileTool struct {
	root string
}

// NewFileTool creates a file tool confined to root.
func NewFileTool(root string) *FileTool {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &FileTool{root: root}
}

func (t *FileTool) Name() string { return policy.ToolFile }

func (t *FileTool) Description() string {
	return "Read, write, list or regex-search files inside the working directory."
}

func (t *FileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"op":      "read|write|list|search",
		"path":    "path relative to the working directory",
		"content": "text to write (write only)",
		"pattern": "regular expression (search only)",
		"glob":    "file name glob for search, default *",
	}
}

func (t *FileTool) Invoke(ctx context.Context, args map[string]interface{}) (*Result, error) {
	op := strings.ToLower(stringArg(args, "op"))
	switch op {
	case "read":
		return t.read(stringArg(args, "path"))
	case "write":
		return t.write(stringArg(args, "path"), stringArg(args, "content"))
	case "list":
		return t.list(stringArg(args, "path"))
	case "search":
		glob := stringArg(args, "glob")
		if glob == "" {
			glob = "*"
		}
		return t.search(ctx, stringArg(args, "path"), stringArg(args, "pattern"), glob)
	default:
		return nil, Fatalf(t.Name(), "unknown file op %q", op)
	}
}

// resolve re-checks containment even though the policy engine already did.
func (t *FileTool) resolve(rel string, required bool) (string, error) {
	if rel == "" {
		if required {
			return "", Fatalf(t.Name(), "path is required")
		}
		rel = "."
	}
	abs, err := policy.ResolvePath(t.root, rel)
	if err == nil {
		err = confine(t.root, abs)
	}
	if err != nil {
		return "", Fatal(t.Name(), fmt.Errorf("%s: %w", rel, err))
	}
	return abs, nil
}

// confine follows symlinks along path, up to its deepest existing
// ancestor, and fails with policy.ErrPathEscape when the real location is
// outside the real root.
func confine(root, path string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	_, err = policy.ResolvePath(realRoot, real)
	return err
}

func (t *FileTool) read(rel string) (*Result, error) {
	path, err := t.resolve(rel, true)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t.osFailure(err)
	}
	return &Result{OK: true, Output: string(data), Artifacts: []string{path}}, nil
}

func (t *FileTool) write(rel, content string) (*Result, error) {
	path, err := t.resolve(rel, true)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return t.osFailure(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return t.osFailure(err)
	}
	return &Result{
		OK:        true,
		Output:    fmt.Sprintf("Wrote %d bytes", len(content)),
		Artifacts: []string{path},
	}, nil
}

func (t *FileTool) list(rel string) (*Result, error) {
	path, err := t.resolve(rel, false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return t.osFailure(err)
	}

	names := make([]string, 0, len(entries))
	items := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
		items = append(items, map[string]interface{}{"name": e.Name(), "dir": e.IsDir()})
	}
	sort.Strings(names)
	return &Result{
		OK:      true,
		Output:  strings.Join(names, "\n"),
		Payload: map[string]interface{}{"entries": items},
	}, nil
}

func (t *FileTool) search(ctx context.Context, rel, pattern, glob string) (*Result, error) {
	if pattern == "" {
		return nil, Fatalf(t.Name(), "pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, Fatal(t.Name(), fmt.Errorf("invalid pattern: %w", err))
	}
	if _, err := filepath.Match(glob, ""); err != nil {
		return nil, Fatal(t.Name(), fmt.Errorf("invalid glob: %w", err))
	}
	base, err := t.resolve(rel, false)
	if err != nil {
		return nil, err
	}

	var matches []interface{}
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if ok, _ := filepath.Match(glob, d.Name()); !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		relPath, _ := filepath.Rel(t.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			if len(line) > maxMatchLine {
				line = line[:maxMatchLine]
			}
			matches = append(matches, map[string]interface{}{
				"path":    filepath.ToSlash(relPath),
				"line":    i + 1,
				"content": line,
			})
			if len(matches) >= maxSearchMatches {
				return fs.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	return &Result{
		OK:      true,
		Output:  fmt.Sprintf("%d matches", len(matches)),
		Payload: map[string]interface{}{"matches": matches},
	}, nil
}

// osFailure maps filesystem errors: permission denial is fatal, transient
// kernel errors are retryable, anything else (missing path, not a
// directory) is an ordinary failed result.
func (t *FileTool) osFailure(err error) (*Result, error) {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, Fatal(t.Name(), err)
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.EIO), errors.Is(err, syscall.EBUSY):
		return nil, Retryable(t.Name(), err)
	default:
		return &Result{OK: false, Stderr: err.Error()}, nil
	}
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
