// Package approval suspends a run between proposing an action and executing it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/warden/internal/logging"
	"github.com/vinayprograms/warden/internal/policy"
)

// State is the lifecycle state of a pending approval.
type State string

const (
	StateCreated  State = "created"
	StateAwaiting State = "awaiting"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
	StateAborted  State = "aborted"
)

// Decision is an operator's answer to an approval request.
type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// DefaultTimeout is how long a request waits before it expires.
const DefaultTimeout = time.Hour

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrInvalidDecision = errors.New("invalid approval decision")
	ErrPendingExists   = errors.New("run already has an unresolved approval request")
)

// Resolution is a decision plus operator context.
type Resolution struct {
	Decision Decision `json:"decision"`
	// Sticky rejects every later action using the same tool in this run.
	Sticky bool   `json:"sticky,omitempty"`
	Note   string `json:"note,omitempty"`
}

// ParseDecision accepts accept|approve|y|yes, reject|deny|n|no and
// ad|always_deny (a sticky reject).
func ParseDecision(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "approve", "approved", "y", "yes":
		return Resolution{Decision: Accept}, nil
	case "reject", "deny", "denied", "n", "no":
		return Resolution{Decision: Reject}, nil
	case "ad", "always_deny", "always-deny":
		return Resolution{Decision: Reject, Sticky: true}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// Request is a snapshot of one pending approval.
type Request struct {
	ID         string         `json:"request_id"`
	RunID      string         `json:"run_id"`
	Action     policy.Action  `json:"proposed_action"`
	Verdict    policy.Verdict `json:"policy_verdict"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	State      State          `json:"state"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
	Resolution *Resolution    `json:"resolution,omitempty"`
}

// Outcome is how a request was resolved.
type Outcome struct {
	State      State
	Resolution Resolution
}

// Approved reports whether the action may execute.
func (o Outcome) Approved() bool {
	return o.State == StateApproved
}

type entry struct {
	req    Request
	handle *Handle
}

// Gate tracks approval requests for all runs. Every request resolves
// exactly once: by decision, expiry or abort.
type Gate struct {
	mu       sync.Mutex
	timeout  time.Duration
	now      func() time.Time
	requests map[string]*entry
	open     map[string]string // run id -> unresolved request id
	logger   *logging.Logger
}

// NewGate creates a gate whose requests expire after timeout.
// A non-positive timeout uses DefaultTimeout.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		timeout:  timeout,
		now:      time.Now,
		requests: make(map[string]*entry),
		open:     make(map[string]string),
		logger:   logging.New().WithComponent("approval"),
	}
}

// Timeout returns the request lifetime.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// Request opens an approval for a run. The request starts in the created
// state and becomes visible to pollers once Publish is called.
func (g *Gate) Request(runID string, action policy.Action, verdict policy.Verdict) (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.open[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPendingExists, id)
	}

	now := g.now()
	id := uuid.NewString()
	h := &Handle{
		gate:  g,
		id:    id,
		done:  make(chan struct{}),
		acked: make(chan struct{}),
	}
	g.requests[id] = &entry{
		req: Request{
			ID:        id,
			RunID:     runID,
			Action:    action,
			Verdict:   verdict,
			CreatedAt: now,
			ExpiresAt: now.Add(g.timeout),
			State:     StateCreated,
		},
		handle: h,
	}
	g.open[runID] = id
	return h, nil
}

// Resolve applies an accept or reject decision.
func (g *Gate) Resolve(requestID string, d Decision) error {
	return g.ResolveWith(requestID, Resolution{Decision: d})
}

// ResolveWith applies a resolution. A request past its expiry is expired
// instead and ErrAlreadyResolved is returned.
func (g *Gate) ResolveWith(requestID string, res Resolution) error {
	var state State
	switch res.Decision {
	case Accept:
		state = StateApproved
	case Reject:
		state = StateRejected
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, res.Decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if e.req.Resolved {
		return ErrAlreadyResolved
	}
	if !g.now().Before(e.req.ExpiresAt) {
		g.finalize(e, StateExpired, Resolution{Decision: Reject})
		return ErrAlreadyResolved
	}
	g.finalize(e, state, res)
	return nil
}

// Abort resolves the run's open request as aborted. It reports whether a
// request was open.
func (g *Gate) Abort(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.open[runID]
	if !ok {
		return false
	}
	g.finalize(g.requests[id], StateAborted, Resolution{Decision: Reject})
	return true
}

// Pending returns the run's unresolved request once it has been published.
func (g *Gate) Pending(runID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.open[runID]
	if !ok {
		return Request{}, false
	}
	e := g.requests[id]
	if !g.now().Before(e.req.ExpiresAt) {
		g.finalize(e, StateExpired, Resolution{Decision: Reject})
		return Request{}, false
	}
	if e.req.State != StateAwaiting {
		return Request{}, false
	}
	return e.req, true
}

// Get returns a request by id.
func (g *Gate) Get(requestID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Handle returns the handle for a request id.
func (g *Gate) Handle(requestID string) (*Handle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.requests[requestID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// ExpireDue expires every unresolved request past its deadline and returns them.
func (g *Gate) ExpireDue() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var expired []Request
	for _, id := range g.open {
		e := g.requests[id]
		if now.Before(e.req.ExpiresAt) {
			continue
		}
		g.finalize(e, StateExpired, Resolution{Decision: Reject})
		expired = append(expired, e.req)
	}
	return expired
}

// Forget drops every request belonging to a run. Open requests are aborted first.
func (g *Gate) Forget(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.open[runID]; ok {
		g.finalize(g.requests[id], StateAborted, Resolution{Decision: Reject})
	}
	for id, e := range g.requests {
		if e.req.RunID == runID {
			delete(g.requests, id)
		}
	}
}

func (g *Gate) publish(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.requests[requestID]; ok && e.req.State == StateCreated {
		e.req.State = StateAwaiting
	}
}

func (g *Gate) outcome(requestID string) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.requests[requestID]
	if !ok || !e.req.Resolved {
		return Outcome{State: StateAborted, Resolution: Resolution{Decision: Reject}}
	}
	return Outcome{State: e.req.State, Resolution: *e.req.Resolution}
}

func (g *Gate) resolveIfOpen(requestID string, state State) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.requests[requestID]; ok && !e.req.Resolved {
		g.finalize(e, state, Resolution{Decision: Reject})
	}
}

// finalize must be called with g.mu held and at most once per request.
func (g *Gate) finalize(e *entry, state State, res Resolution) {
	e.req.State = state
	e.req.Resolved = true
	e.req.ResolvedAt = g.now()
	e.req.Resolution = &res
	if g.open[e.req.RunID] == e.req.ID {
		delete(g.open, e.req.RunID)
	}
	close(e.handle.done)

	g.logger.Info("approval resolved", map[string]interface{}{
		"request_id": e.req.ID,
		"run_id":     e.req.RunID,
		"state":      string(state),
	})
}

// Handle is the waiting side of one request.
type Handle struct {
	gate    *Gate
	id      string
	done    chan struct{}
	acked   chan struct{}
	ackOnce sync.Once
}

// ID returns the request id.
func (h *Handle) ID() string { return h.id }

// Publish moves the request from created to awaiting.
func (h *Handle) Publish() { h.gate.publish(h.id) }

// Done is closed once the request is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Request returns the current request snapshot.
func (h *Handle) Request() Request {
	req, _ := h.gate.Get(h.id)
	return req
}

// Wait blocks until the request is resolved. The request expires when its
// deadline passes and is aborted when ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) Outcome {
	req := h.Request()
	timer := time.NewTimer(time.Until(req.ExpiresAt))
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.gate.resolveIfOpen(h.id, StateExpired)
	case <-ctx.Done():
		h.gate.resolveIfOpen(h.id, StateAborted)
	}
	return h.gate.outcome(h.id)
}

// Ack signals that the waiter has recorded the outcome.
func (h *Handle) Ack() {
	h.ackOnce.Do(func() { close(h.acked) })
}

// Acked is closed after Ack.
func (h *Handle) Acked() <-chan struct{} { return h.acked }
