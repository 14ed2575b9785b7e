package llm

import (
	"context"
	"sync"

	"github.com/vinayprograms/warden/internal/policy"
)

// Step is one scripted provider response.
type Step struct {
	Decision *Decision
	Err      error
}

// ActionStep scripts an action proposal.
func ActionStep(tool string, args map[string]interface{}, risk string) Step {
	if risk == "" {
		risk = policy.RiskMedium
	}
	return Step{Decision: &Decision{
		Kind:   KindAction,
		Plan:   "use " + tool,
		Action: &policy.Action{Tool: tool, Reason: "scripted", Args: args, RiskLevel: risk},
	}}
}

// FinalStep scripts a final answer.
func FinalStep(answer string) Step {
	return Step{Decision: &Decision{Kind: KindFinal, FinalAnswer: answer}}
}

// ErrorStep scripts a provider failure.
func ErrorStep(err error) Step {
	return Step{Err: &ProviderError{Provider: "scripted", Err: err}}
}

// Scripted replays a fixed sequence of responses. It is used for dry runs
// and tests. Once the script is exhausted it repeats the last step when
// Repeat is set, and otherwise finishes the run.
type Scripted struct {
	mu     sync.Mutex
	steps  []Step
	next   int
	calls  []Request
	Repeat bool
}

// NewScripted creates a scripted provider.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) Name() string  { return "scripted" }
func (s *Scripted) Model() string { return "script" }

func (s *Scripted) Propose(ctx context.Context, req Request) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	var step Step
	switch {
	case s.next < len(s.steps):
		step = s.steps[s.next]
		s.next++
	case s.Repeat && len(s.steps) > 0:
		step = s.steps[len(s.steps)-1]
	default:
		return &Decision{Kind: KindFinal, FinalAnswer: "script exhausted"}, nil
	}
	if step.Err != nil {
		return nil, step.Err
	}
	d := *step.Decision
	if d.Action != nil {
		a := *d.Action
		d.Action = &a
	}
	return &d, nil
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
