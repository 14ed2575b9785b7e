// Package registry owns live runs and serves the control surface.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vinayprograms/warden/internal/approval"
	"github.com/vinayprograms/warden/internal/config"
	"github.com/vinayprograms/warden/internal/executor"
	"github.com/vinayprograms/warden/internal/logging"
	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/tools"
)

var (
	ErrNotFound      = errors.New("run not found")
	ErrInvalidConfig = errors.New("invalid run config")
	ErrNotPending    = errors.New("approval request is not pending")
	ErrRunFinished   = errors.New("run already finished")
	ErrClosed        = errors.New("registry closed")
)

// RunConfig describes a run to create. Zero values take the configured defaults.
type RunConfig struct {
	Goal         string `json:"goal"`
	Cwd          string `json:"cwd"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	MaxSteps     int    `json:"max_steps,omitempty"`
	MaxRetries   *int   `json:"max_retries,omitempty"`
	ApprovalMode string `json:"approval_mode,omitempty"`
	TeamMode     bool   `json:"team_mode,omitempty"`
}

// Snapshot is the poll view of a run. Pending is set only while the run
// has an unresolved, published approval request.
type Snapshot struct {
	RunID      string            `json:"run_id"`
	Goal       string            `json:"goal"`
	Cwd        string            `json:"cwd"`
	Provider   string            `json:"provider"`
	Model      string            `json:"model"`
	Status     session.Status    `json:"status"`
	StepCount  int               `json:"step_count"`
	EventCount int               `json:"event_count"`
	FinalText  string            `json:"final_text"`
	Error      string            `json:"error,omitempty"`
	Pending    *approval.Request `json:"pending"`
}

// Health summarizes the registry.
type Health struct {
	Status  string `json:"status"`
	Runs    int    `json:"runs"`
	Active  int    `json:"active"`
	Pending int    `json:"pending"`
	Uptime  string `json:"uptime"`
}

// Options wires the registry's collaborators.
type Options struct {
	Config      *config.Config
	Events      *session.EventLog
	Gate        *approval.Gate
	Policy      *policy.Source
	NewProvider ProviderFactory
	Tools       tools.Options

	// Configure is applied to every orchestrator before its run starts.
	Configure func(runID string, o *executor.Orchestrator)
}

type entry struct {
	run    *session.Run
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Registry owns every run, keyed by run id, with one worker goroutine per run.
type Registry struct {
	mu      sync.RWMutex
	runs    map[string]*entry
	closed  bool
	wg      sync.WaitGroup
	started time.Time

	cfg         *config.Config
	events      *session.EventLog
	gate        *approval.Gate
	policy      *policy.Source
	newProvider ProviderFactory
	toolOpts    tools.Options
	configure   func(string, *executor.Orchestrator)

	janitor *cron.Cron
	logger  *logging.Logger
}

// New creates a registry.
func New(opts Options) (*Registry, error) {
	if opts.Events == nil || opts.Gate == nil {
		return nil, errors.New("registry: event log and gate are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New()
	}
	src := opts.Policy
	if src == nil {
		var err error
		src, err = policy.NewSource(RulesFromConfig(cfg.Policy), "")
		if err != nil {
			return nil, err
		}
	}
	newProvider := opts.NewProvider
	if newProvider == nil {
		newProvider = DefaultProviderFactory(cfg)
	}
	return &Registry{
		runs:        make(map[string]*entry),
		started:     time.Now(),
		cfg:         cfg,
		events:      opts.Events,
		gate:        opts.Gate,
		policy:      src,
		newProvider: newProvider,
		toolOpts:    opts.Tools,
		configure:   opts.Configure,
		logger:      logging.New().WithComponent("registry"),
	}, nil
}

// Create validates rc, starts the run's worker and returns the run id.
func (r *Registry) Create(ctx context.Context, rc RunConfig) (string, error) {
	info, err := r.resolve(rc)
	if err != nil {
		return "", err
	}

	provider, err := r.newProvider(ctx, info.Provider, info.Model)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if info.Model == "" {
		info.Model = provider.Model()
	}
	engine, err := r.policy.Engine(info.Cwd)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	opts := LoopOptions(r.cfg.Loop)
	opts.MaxSteps = info.MaxSteps
	opts.MaxRetries = info.MaxRetries
	opts.ApprovalMode = info.ApprovalMode
	opts.TeamMode = info.TeamMode
	orch := executor.New(provider, engine, tools.NewDefault(info.Cwd, r.toolOpts), r.gate, r.events, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	info.ID = uuid.NewString()
	run := session.NewRun(info)
	if err := r.events.Open(run.Info()); err != nil {
		return "", fmt.Errorf("failed to open event stream: %w", err)
	}
	if r.configure != nil {
		r.configure(info.ID, orch)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	e := &entry{run: run, cancel: cancel, done: make(chan struct{})}
	r.runs[info.ID] = e

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(e.done)
		defer cancel(nil)
		if err := orch.Run(runCtx, run); err != nil {
			r.logger.WithRun(info.ID).Error("run stopped on event log failure", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	r.logger.Info("run created", map[string]interface{}{
		"run_id":   info.ID,
		"provider": info.Provider,
		"model":    info.Model,
		"cwd":      info.Cwd,
	})
	return info.ID, nil
}

// resolve validates rc and fills defaults from config.
func (r *Registry) resolve(rc RunConfig) (session.RunInfo, error) {
	goal := strings.TrimSpace(rc.Goal)
	if goal == "" {
		return session.RunInfo{}, fmt.Errorf("%w: goal is required", ErrInvalidConfig)
	}

	cwd := rc.Cwd
	if cwd == "" {
		cwd = "."
	}
	cwd, err := filepath.Abs(config.ExpandPath(cwd))
	if err != nil {
		return session.RunInfo{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if st, err := os.Stat(cwd); err != nil || !st.IsDir() {
		return session.RunInfo{}, fmt.Errorf("%w: cwd %q is not a directory", ErrInvalidConfig, cwd)
	}

	provider := strings.ToLower(strings.TrimSpace(rc.Provider))
	if provider == "" {
		provider = r.cfg.LLM.Provider
	}
	model := rc.Model
	if model == "" && provider == r.cfg.LLM.Provider {
		model = r.cfg.LLM.Model
	}
	if model == "" {
		if model = os.Getenv(config.ModelEnv(provider)); model == "" {
			model = config.DefaultModel(provider)
		}
	}

	maxSteps := rc.MaxSteps
	if maxSteps == 0 {
		maxSteps = r.cfg.Loop.MaxSteps
	}
	if maxSteps < 1 {
		return session.RunInfo{}, fmt.Errorf("%w: max_steps must be at least 1", ErrInvalidConfig)
	}
	maxRetries := r.cfg.Loop.MaxRetries
	if rc.MaxRetries != nil {
		maxRetries = *rc.MaxRetries
	}
	if maxRetries < 0 {
		return session.RunInfo{}, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	}

	mode := rc.ApprovalMode
	if mode == "" {
		mode = r.cfg.Loop.ApprovalMode
	}
	if mode != executor.ModeNormal && mode != executor.ModeStrict {
		return session.RunInfo{}, fmt.Errorf("%w: approval_mode %q (expected normal or strict)", ErrInvalidConfig, mode)
	}

	return session.RunInfo{
		Goal:         goal,
		Cwd:          cwd,
		Provider:     provider,
		Model:        model,
		ApprovalMode: mode,
		TeamMode:     rc.TeamMode || r.cfg.Loop.TeamMode,
		MaxSteps:     maxSteps,
		MaxRetries:   maxRetries,
	}, nil
}

func (r *Registry) lookup(runID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Get returns a run snapshot.
func (r *Registry) Get(runID string) (Snapshot, error) {
	e, err := r.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(e), nil
}

func (r *Registry) snapshot(e *entry) Snapshot {
	info := e.run.Info()
	snap := Snapshot{
		RunID:      info.ID,
		Goal:       info.Goal,
		Cwd:        info.Cwd,
		Provider:   info.Provider,
		Model:      info.Model,
		Status:     info.Status,
		StepCount:  info.StepCount,
		EventCount: r.events.Len(info.ID),
		FinalText:  info.FinalText,
		Error:      info.Error,
	}
	if req, ok := r.gate.Pending(info.ID); ok {
		snap.Pending = &req
	}
	return snap
}

// Events returns the run's events as a restartable snapshot sequence.
func (r *Registry) Events(runID string) (iter.Seq[session.Event], error) {
	if _, err := r.lookup(runID); err != nil {
		return nil, err
	}
	return r.events.List(runID)
}

// SubmitApproval parses decision and resolves the request.
func (r *Registry) SubmitApproval(ctx context.Context, runID, requestID, decision string) error {
	res, err := approval.ParseDecision(decision)
	if err != nil {
		return err
	}
	return r.Resolve(ctx, runID, requestID, res)
}

// Resolve resolves one of the run's approval requests and returns once the
// run has recorded the decision, so a following Get reflects it.
func (r *Registry) Resolve(ctx context.Context, runID, requestID string, res approval.Resolution) error {
	e, err := r.lookup(runID)
	if err != nil {
		return err
	}
	req, ok := r.gate.Get(requestID)
	if !ok || req.RunID != runID {
		return approval.ErrNotFound
	}
	if !req.Resolved && req.State == approval.StateCreated {
		return ErrNotPending
	}
	if err := r.gate.ResolveWith(requestID, res); err != nil {
		return err
	}

	handle, ok := r.gate.Handle(requestID)
	if !ok {
		return nil
	}
	select {
	case <-handle.Acked():
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.logger.WithRun(runID).Info("approval submitted", map[string]interface{}{
		"request_id": requestID,
		"decision":   string(res.Decision),
		"sticky":     res.Sticky,
	})
	return nil
}

// Abort cancels the run, resolving any open approval as aborted, and waits
// for the run to record its terminal status.
func (r *Registry) Abort(ctx context.Context, runID string) error {
	e, err := r.lookup(runID)
	if err != nil {
		return err
	}
	if e.run.Status().Terminal() {
		return ErrRunFinished
	}
	e.cancel(executor.ErrAborted)
	r.gate.Abort(runID)

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the run finishes and returns its final state.
func (r *Registry) Wait(ctx context.Context, runID string) (session.RunInfo, error) {
	e, err := r.lookup(runID)
	if err != nil {
		return session.RunInfo{}, err
	}
	select {
	case <-e.done:
		return e.run.Info(), nil
	case <-ctx.Done():
		return e.run.Info(), ctx.Err()
	}
}

// List returns snapshots of every run, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].run.Info(), entries[j].run.Info()
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshot(e))
	}
	return out
}

// Evict drops finished runs last updated before now-olderThan, releasing
// their event streams, approvals and run-scoped state.
func (r *Registry) Evict(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.runs {
		info := e.run.Info()
		if !info.Status.Terminal() || info.UpdatedAt.After(cutoff) {
			continue
		}
		select {
		case <-e.done:
		default:
			continue
		}
		delete(r.runs, id)
		r.events.Drop(id)
		r.gate.Forget(id)
		n++
	}
	if n > 0 {
		r.logger.Info("evicted runs", map[string]interface{}{"count": n})
	}
	return n
}

// Health reports registry status.
func (r *Registry) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := Health{Status: "ok", Runs: len(r.runs), Uptime: time.Since(r.started).Round(time.Second).String()}
	for id, e := range r.runs {
		if !e.run.Status().Terminal() {
			h.Active++
		}
		if _, ok := r.gate.Pending(id); ok {
			h.Pending++
		}
	}
	if r.closed {
		h.Status = "closing"
	}
	return h
}

// StartJanitor schedules expiry sweeps and eviction on a cron spec.
func (r *Registry) StartJanitor(spec string, evictAfter time.Duration) error {
	if spec == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { r.sweep(evictAfter) }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	c.Start()

	r.mu.Lock()
	r.janitor = c
	r.mu.Unlock()
	return nil
}

func (r *Registry) sweep(evictAfter time.Duration) {
	for _, req := range r.gate.ExpireDue() {
		r.logger.WithRun(req.RunID).Info("approval expired", map[string]interface{}{
			"request_id": req.ID,
		})
	}
	if evictAfter > 0 {
		r.Evict(evictAfter)
	}
}

// Close stops the janitor, aborts live runs and waits for their workers.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	janitor := r.janitor
	for id, e := range r.runs {
		if !e.run.Status().Terminal() {
			e.cancel(ErrClosed)
			r.gate.Abort(id)
		}
	}
	r.mu.Unlock()

	if janitor != nil {
		<-janitor.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
