package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/warden/internal/policy"
)

var testAction = policy.Action{Tool: policy.ToolShell, Args: map[string]interface{}{"command": "echo hi"}}
var testVerdict = policy.Verdict{Classification: policy.RequiresApproval, MatchedRule: policy.RuleDefault, Reason: "r"}

func TestGate_AcceptUnblocksWaiter(t *testing.T) {
	g := NewGate(time.Minute)
	h, err := g.Request("run-1", testAction, testVerdict)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	h.Publish()

	pending, ok := g.Pending("run-1")
	if !ok {
		t.Fatal("expected pending request after publish")
	}
	if pending.State != StateAwaiting || pending.ID != h.ID() {
		t.Errorf("unexpected pending: %+v", pending)
	}

	result := make(chan Outcome, 1)
	go func() { result <- h.Wait(context.Background()) }()

	if err := g.Resolve(h.ID(), Accept); err != nil {
		t.Fatalf("resolve error: %v", err)
	}

	select {
	case out := <-result:
		if !out.Approved() {
			t.Errorf("expected approved, got %s", out.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not unblocked")
	}

	if _, ok := g.Pending("run-1"); ok {
		t.Error("resolved request must not be pending")
	}
}

func TestGate_NotPublishedIsNotPending(t *testing.T) {
	g := NewGate(time.Minute)
	if _, err := g.Request("run-1", testAction, testVerdict); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Pending("run-1"); ok {
		t.Error("created request should not be visible before publish")
	}
}

func TestGate_OnePendingPerRun(t *testing.T) {
	g := NewGate(time.Minute)
	if _, err := g.Request("run-1", testAction, testVerdict); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Request("run-1", testAction, testVerdict); !errors.Is(err, ErrPendingExists) {
		t.Errorf("expected ErrPendingExists, got %v", err)
	}
	if _, err := g.Request("run-2", testAction, testVerdict); err != nil {
		t.Errorf("other runs are independent: %v", err)
	}
}

func TestGate_ResolveErrors(t *testing.T) {
	g := NewGate(time.Minute)
	h, _ := g.Request("run-1", testAction, testVerdict)

	if err := g.Resolve("missing", Accept); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := g.Resolve(h.ID(), Decision("maybe")); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	if err := g.Resolve(h.ID(), Reject); err != nil {
		t.Fatalf("first resolve error: %v", err)
	}
	if err := g.Resolve(h.ID(), Accept); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}

	req, _ := g.Get(h.ID())
	if req.State != StateRejected {
		t.Errorf("second resolve must not change state, got %s", req.State)
	}
}

func TestGate_ConcurrentResolveExactlyOnce(t *testing.T) {
	g := NewGate(time.Minute)
	h, _ := g.Request("run-1", testAction, testVerdict)
	h.Publish()

	var (
		wg        sync.WaitGroup
		successes int32
		already   int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		d := Accept
		if i%2 == 0 {
			d = Reject
		}
		go func(d Decision) {
			defer wg.Done()
			err := g.Resolve(h.ID(), d)
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, ErrAlreadyResolved):
				atomic.AddInt32(&already, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(d)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one successful resolve, got %d", successes)
	}
	if already != 31 {
		t.Errorf("expected 31 already-resolved, got %d", already)
	}
}

func TestGate_WaitExpires(t *testing.T) {
	g := NewGate(50 * time.Millisecond)
	h, _ := g.Request("run-1", testAction, testVerdict)
	h.Publish()

	out := h.Wait(context.Background())
	if out.State != StateExpired {
		t.Errorf("expected expired, got %s", out.State)
	}
	if out.Approved() {
		t.Error("expired request must not approve")
	}
	if err := g.Resolve(h.ID(), Accept); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("late resolve should fail, got %v", err)
	}
}

func TestGate_LazyExpiryOnResolve(t *testing.T) {
	g := NewGate(time.Minute)
	clock := time.Now()
	g.now = func() time.Time { return clock }

	h, _ := g.Request("run-1", testAction, testVerdict)
	h.Publish()
	clock = clock.Add(2 * time.Minute)

	if err := g.Resolve(h.ID(), Accept); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved after expiry, got %v", err)
	}
	req, _ := g.Get(h.ID())
	if req.State != StateExpired {
		t.Errorf("expected expired state, got %s", req.State)
	}
	select {
	case <-h.Done():
	default:
		t.Error("done channel should be closed")
	}
}

func TestGate_ExpireDue(t *testing.T) {
	g := NewGate(time.Minute)
	clock := time.Now()
	g.now = func() time.Time { return clock }

	g.Request("run-1", testAction, testVerdict)
	g.Request("run-2", testAction, testVerdict)
	clock = clock.Add(time.Hour)

	expired := g.ExpireDue()
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired, got %d", len(expired))
	}
	if len(g.ExpireDue()) != 0 {
		t.Error("second sweep should find nothing")
	}
}

func TestGate_AbortUnblocksWaiter(t *testing.T) {
	g := NewGate(time.Minute)
	h, _ := g.Request("run-1", testAction, testVerdict)
	h.Publish()

	result := make(chan Outcome, 1)
	go func() { result <- h.Wait(context.Background()) }()

	if !g.Abort("run-1") {
		t.Fatal("expected an open request to abort")
	}
	select {
	case out := <-result:
		if out.State != StateAborted {
			t.Errorf("expected aborted, got %s", out.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not unblock waiter")
	}
	if g.Abort("run-1") {
		t.Error("nothing left to abort")
	}
}

func TestGate_ContextCancelAborts(t *testing.T) {
	g := NewGate(time.Minute)
	h, _ := g.Request("run-1", testAction, testVerdict)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if out := h.Wait(ctx); out.State != StateAborted {
		t.Errorf("expected aborted, got %s", out.State)
	}
}

func TestGate_Forget(t *testing.T) {
	g := NewGate(time.Minute)
	h, _ := g.Request("run-1", testAction, testVerdict)
	g.Forget("run-1")

	if _, ok := g.Get(h.ID()); ok {
		t.Error("forgotten request should be gone")
	}
	if _, err := g.Request("run-1", testAction, testVerdict); err != nil {
		t.Errorf("run should accept a new request: %v", err)
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in     string
		want   Decision
		sticky bool
		err    bool
	}{
		{"accept", Accept, false, false},
		{"Y", Accept, false, false},
		{"approve", Accept, false, false},
		{"reject", Reject, false, false},
		{"n", Reject, false, false},
		{"ad", Reject, true, false},
		{"always_deny", Reject, true, false},
		{"later", "", false, true},
		{"", "", false, true},
	}
	for _, tt := range tests {
		res, err := ParseDecision(tt.in)
		if tt.err {
			if !errors.Is(err, ErrInvalidDecision) {
				t.Errorf("%q: expected ErrInvalidDecision, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.in, err)
			continue
		}
		if res.Decision != tt.want || res.Sticky != tt.sticky {
			t.Errorf("%q: got %+v", tt.in, res)
		}
	}
}

func TestHandle_Ack(t *testing.T) {
	g := NewGate(time.Minute)
	h, _ := g.Request("run-1", testAction, testVerdict)
	h.Ack()
	h.Ack()
	select {
	case <-h.Acked():
	default:
		t.Error("acked channel should be closed")
	}
}
