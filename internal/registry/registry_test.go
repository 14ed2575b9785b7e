package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/vinayprograms/warden/internal/approval"
	"github.com/vinayprograms/warden/internal/config"
	"github.com/vinayprograms/warden/internal/llm"
	"github.com/vinayprograms/warden/internal/session"
)

func newTestRegistry(t *testing.T, provider llm.Provider) *Registry {
	t.Helper()
	r, err := New(Options{
		Config: config.New(),
		Events: session.NewEventLog(nil),
		Gate:   approval.NewGate(time.Minute),
		NewProvider: func(ctx context.Context, name, model string) (llm.Provider, error) {
			return provider, nil
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

func waitRun(t *testing.T, r *Registry, runID string) session.RunInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := r.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	return info
}

func waitPending(t *testing.T, r *Registry, runID string) approval.Request {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Get(runID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if snap.Pending != nil {
			return *snap.Pending
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending approval")
	return approval.Request{}
}

func eventTypes(t *testing.T, r *Registry, runID string) []session.EventType {
	t.Helper()
	seq, err := r.Events(runID)
	if err != nil {
		t.Fatalf("Events error: %v", err)
	}
	var out []session.EventType
	for ev := range seq {
		out = append(out, ev.Type)
	}
	return out
}

func contains(types []session.EventType, want session.EventType) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func TestCreate_InvalidConfig(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted())
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	negative := -1

	tests := []struct {
		name string
		rc   RunConfig
	}{
		{"empty goal", RunConfig{Goal: "  ", Cwd: dir}},
		{"missing cwd", RunConfig{Goal: "g", Cwd: filepath.Join(dir, "nope")}},
		{"cwd is file", RunConfig{Goal: "g", Cwd: file}},
		{"bad mode", RunConfig{Goal: "g", Cwd: dir, ApprovalMode: "loose"}},
		{"negative steps", RunConfig{Goal: "g", Cwd: dir, MaxSteps: -3}},
		{"negative retries", RunConfig{Goal: "g", Cwd: dir, MaxRetries: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(context.Background(), tt.rc)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if n := len(r.List()); n != 0 {
		t.Errorf("expected no runs, got %d", n)
	}
}

func TestCreate_ProviderFactoryError(t *testing.T) {
	r, err := New(Options{
		Events: session.NewEventLog(nil),
		Gate:   approval.NewGate(time.Minute),
		NewProvider: func(ctx context.Context, name, model string) (llm.Provider, error) {
			return nil, llm.ErrUnsupportedProvider
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	_, err = r.Create(context.Background(), RunConfig{Goal: "g", Cwd: t.TempDir(), Provider: "bogus"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCreate_RunsToCompletion(t *testing.T) {
	provider := llm.NewScripted(
		llm.ActionStep("file", map[string]interface{}{"op": "list", "path": "."}, "low"),
		llm.FinalStep("listed"),
	)
	r := newTestRegistry(t, provider)
	dir := t.TempDir()

	id, err := r.Create(context.Background(), RunConfig{Goal: "list files in .", Cwd: dir})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if id == "" {
		t.Fatal("expected run id")
	}

	info := waitRun(t, r, id)
	if info.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", info.Status, info.Error)
	}

	a, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	b, _ := r.Get(id)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("snapshots differ:\n%+v\n%+v", a, b)
	}
	if a.FinalText != "listed" || a.Pending != nil {
		t.Errorf("unexpected snapshot: %+v", a)
	}
	if a.Cwd != dir || a.Provider != "openai" {
		t.Errorf("defaults not applied: %+v", a)
	}
	if a.EventCount != len(eventTypes(t, r, id)) {
		t.Errorf("event_count %d does not match events", a.EventCount)
	}
	if !contains(eventTypes(t, r, id), session.EventExecutionResult) {
		t.Error("expected execution_result event")
	}
}

func TestGet_UnknownRun(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted())
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Events("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := r.SubmitApproval(context.Background(), "missing", "req", "y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitApproval_VisibleOnReturn(t *testing.T) {
	provider := llm.NewScripted(
		llm.ActionStep("shell", map[string]interface{}{"command": "echo hello"}, "medium"),
		llm.FinalStep("done"),
	)
	r := newTestRegistry(t, provider)
	id, err := r.Create(context.Background(), RunConfig{Goal: "say hello", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	req := waitPending(t, r, id)
	snap, _ := r.Get(id)
	if snap.Status != session.StatusPaused {
		t.Errorf("expected paused_for_approval, got %s", snap.Status)
	}
	if req.Action.Tool != "shell" || req.Verdict.Classification != "REQUIRES_APPROVAL" {
		t.Errorf("unexpected request: %+v", req)
	}

	if err := r.SubmitApproval(context.Background(), id, req.ID, "maybe"); !errors.Is(err, approval.ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	if err := r.SubmitApproval(context.Background(), id, req.ID, "y"); err != nil {
		t.Fatalf("SubmitApproval error: %v", err)
	}

	snap, _ = r.Get(id)
	if snap.Pending != nil {
		t.Error("pending approval still visible")
	}
	if snap.Status == session.StatusPaused {
		t.Error("status still paused after approval")
	}
	if !contains(eventTypes(t, r, id), session.EventApprovalDecision) {
		t.Error("approval_decision not recorded on return")
	}

	if err := r.SubmitApproval(context.Background(), id, req.ID, "n"); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}

	info := waitRun(t, r, id)
	if info.Status != session.StatusCompleted {
		t.Errorf("expected completed, got %s", info.Status)
	}
}

func TestSubmitApproval_WrongRun(t *testing.T) {
	step := llm.ActionStep("shell", map[string]interface{}{"command": "echo hello"}, "medium")
	r := newTestRegistry(t, llm.NewScripted(step, step))
	first, err := r.Create(context.Background(), RunConfig{Goal: "one", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	req := waitPending(t, r, first)

	second, err := r.Create(context.Background(), RunConfig{Goal: "two", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := r.SubmitApproval(context.Background(), second, req.ID, "y"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expected approval.ErrNotFound, got %v", err)
	}
	if err := r.SubmitApproval(context.Background(), first, "unknown", "y"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expected approval.ErrNotFound, got %v", err)
	}
}

func TestAbort_ResolvesPendingApproval(t *testing.T) {
	provider := llm.NewScripted(llm.ActionStep("shell", map[string]interface{}{"command": "echo hello"}, "medium"))
	r := newTestRegistry(t, provider)
	id, err := r.Create(context.Background(), RunConfig{Goal: "say hello", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	req := waitPending(t, r, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Abort(ctx, id); err != nil {
		t.Fatalf("Abort error: %v", err)
	}

	snap, _ := r.Get(id)
	if snap.Status != session.StatusAborted {
		t.Errorf("expected aborted, got %s", snap.Status)
	}
	if snap.Pending != nil {
		t.Error("pending approval survived abort")
	}
	if err := r.SubmitApproval(ctx, id, req.ID, "y"); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	if err := r.Abort(ctx, id); !errors.Is(err, ErrRunFinished) {
		t.Errorf("expected ErrRunFinished, got %v", err)
	}
}

func TestEvict_DropsFinishedRuns(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(llm.FinalStep("ok")))
	id, err := r.Create(context.Background(), RunConfig{Goal: "finish", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	waitRun(t, r, id)

	if n := r.Evict(time.Hour); n != 0 {
		t.Errorf("evicted %d runs younger than cutoff", n)
	}
	if n := r.Evict(-time.Second); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	if _, err := r.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after eviction, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(llm.ActionStep("shell", map[string]interface{}{"command": "echo hi"}, "medium")))
	if h := r.Health(); h.Status != "ok" || h.Runs != 0 {
		t.Errorf("unexpected health: %+v", h)
	}
	id, err := r.Create(context.Background(), RunConfig{Goal: "hi", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	waitPending(t, r, id)

	h := r.Health()
	if h.Runs != 1 || h.Active != 1 || h.Pending != 1 {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestStartJanitor_BadSpec(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted())
	if err := r.StartJanitor("not a schedule", time.Hour); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := r.StartJanitor("@every 1h", time.Hour); err != nil {
		t.Errorf("StartJanitor error: %v", err)
	}
}

func TestClose_RejectsNewRuns(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted())
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := r.Create(context.Background(), RunConfig{Goal: "g", Cwd: t.TempDir()}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
