// Package tools executes authorized actions.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrToolNotFound is wrapped by the FatalError returned for unknown tools.
var ErrToolNotFound = errors.New("tool not found")

// Result is the outcome of a completed tool invocation. OK is false when the
// tool ran but reported failure (non-zero exit, missing file).
type Result struct {
	Tool      string                 `json:"tool"`
	OK        bool                   `json:"ok"`
	Output    string                 `json:"output,omitempty"`
	Stderr    string                 `json:"stderr,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Artifacts []string               `json:"artifacts,omitempty"`
}

// RetryableError marks a failure worth retrying: timeouts, transient I/O,
// network and server-side errors.
type RetryableError struct {
	Tool string
	Err  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Tool, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix: unknown tool,
// malformed arguments, OS permission denial.
type FatalError struct {
	Tool string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Tool, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(tool string, err error) error {
	return &RetryableError{Tool: tool, Err: err}
}

// Fatal wraps err as a FatalError.
func Fatal(tool string, err error) error {
	return &FatalError{Tool: tool, Err: err}
}

// Fatalf builds a FatalError from a format string.
func Fatalf(tool, format string, args ...interface{}) error {
	return &FatalError{Tool: tool, Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Tool is one invokable capability.
type Tool interface {
	Name() string
	Description() string
	// Parameters describes accepted arguments for the provider prompt.
	Parameters() map[string]interface{}
	Invoke(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Spec is a tool's description as shown to a reasoning provider.
type Spec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns every tool's spec sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, Spec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Executor dispatches invocations to registered tools.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry) *Executor {
	if registry == nil {
		panic("tools: registry must not be nil")
	}
	return &Executor{registry: registry}
}

// Registry returns the underlying registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs the named tool. Errors are always RetryableError, FatalError
// or the context's error.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	t, ok := e.registry.Get(name)
	if !ok {
		return nil, Fatal(name, ErrToolNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := t.Invoke(ctx, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !IsRetryable(err) && !IsFatal(err) {
			err = Retryable(name, err)
		}
		return nil, err
	}
	if res != nil && res.Tool == "" {
		res.Tool = name
	}
	return res, nil
}

// NewDefault builds the standard file, shell and search tools for root.
func NewDefault(root string, opts Options) *Executor {
	return NewExecutor(NewRegistry(
		NewFileTool(root),
		NewShellTool(root, opts.ShellTimeout, opts.MaxOutputBytes),
		NewSearchTool(opts.SearchAPIKey, opts.SearchMaxResults, opts.SearchTimeout),
	))
}

// Options configures the standard tools.
type Options struct {
	ShellTimeout     time.Duration
	MaxOutputBytes   int
	SearchAPIKey     string
	SearchMaxResults int
	SearchTimeout    time.Duration
}
