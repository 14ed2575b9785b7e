// Package executor drives runs through the approval-gated step loop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/warden/internal/approval"
	"github.com/vinayprograms/warden/internal/llm"
	"github.com/vinayprograms/warden/internal/logging"
	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/tools"
)

// ErrAborted is the cancellation cause used when a run is aborted externally.
var ErrAborted = errors.New("run aborted")

// Approval modes.
const (
	ModeNormal = "normal"
	ModeStrict = "strict"
)

// Error kinds recorded in error event payloads.
const (
	KindPolicyViolation    = "policy_violation"
	KindApprovalRejected   = "approval_rejected"
	KindApprovalExpired    = "approval_expired"
	KindRetryableToolError = "retryable_tool_error"
	KindRetriesExhausted   = "retries_exhausted"
	KindFatalToolError     = "fatal_tool_error"
	KindProviderError      = "provider_error"
	KindStepLimit          = "step_limit"
	KindAborted            = "aborted"
)

// Reflection outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeFailed   = "failed"
	OutcomeDenied   = "denied"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
)

// Options controls step limits, retries and the halt policy.
type Options struct {
	MaxSteps        int
	MaxRetries      int // tool retry attempts after the first
	ProviderRetries int // provider retry attempts after the first
	RetryBackoff    time.Duration

	ApprovalMode string // normal or strict; strict also gates ALLOW verdicts
	TeamMode     bool

	HaltOnDeny           bool
	HaltOnReject         bool
	HaltOnRetryExhausted bool

	HistoryWindow int // events passed to the provider
}

// DefaultOptions returns the loop defaults.
func DefaultOptions() Options {
	return Options{
		MaxSteps:        20,
		MaxRetries:      1,
		ProviderRetries: 2,
		RetryBackoff:    500 * time.Millisecond,
		ApprovalMode:    ModeNormal,
		HaltOnDeny:      true,
		HistoryWindow:   10,
	}
}

// Orchestrator runs the observe, plan, propose, approve, execute, reflect
// loop for one run at a time. It is safe to share across runs.
type Orchestrator struct {
	provider llm.Provider
	engine   *policy.Engine
	tools    *tools.Executor
	gate     *approval.Gate
	events   *session.EventLog
	opts     Options
	logger   *logging.Logger

	// Callbacks
	OnStep            func(run session.RunInfo, step int)
	OnApprovalRequest func(req approval.Request)
	OnExecution       func(action policy.Action, result *tools.Result, err error)
	OnFinish          func(run session.RunInfo)
}

// New creates an orchestrator.
func New(provider llm.Provider, engine *policy.Engine, executor *tools.Executor, gate *approval.Gate, events *session.EventLog, opts Options) *Orchestrator {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ProviderRetries < 0 {
		opts.ProviderRetries = 0
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultOptions().HistoryWindow
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = ModeNormal
	}
	return &Orchestrator{
		provider: provider,
		engine:   engine,
		tools:    executor,
		gate:     gate,
		events:   events,
		opts:     opts,
		logger:   logging.New().WithComponent("executor"),
	}
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options { return o.opts }

// stepOutcome tells the loop how to continue after a step.
type stepOutcome int

const (
	stepContinue stepOutcome = iota
	stepDone                 // run reached a terminal status
)

// Run drives run until it reaches a terminal status. The run's event stream
// must already be open. The returned error is non-nil only when the event
// log itself fails; run failures are reported through the run's status.
func (o *Orchestrator) Run(ctx context.Context, run *session.Run) error {
	logger := o.logger.WithRun(run.ID())
	ctx, span := o.startRunSpan(ctx, run.Info())
	logger.Info("run started", map[string]interface{}{
		"goal":      run.Info().Goal,
		"max_steps": o.opts.MaxSteps,
	})

	err := o.loop(ctx, run, logger)

	info := run.Info()
	o.endRunSpan(span, info, err)
	logger.Info("run finished", map[string]interface{}{
		"status": string(info.Status),
		"steps":  info.StepCount,
		"error":  info.Error,
	})
	if o.OnFinish != nil {
		o.OnFinish(info)
	}
	return err
}

func (o *Orchestrator) loop(ctx context.Context, run *session.Run, logger *logging.Logger) error {
	for run.Info().StepCount < o.opts.MaxSteps {
		if ctx.Err() != nil {
			return o.abort(ctx, run, run.Info().StepCount+1)
		}
		step := run.Info().StepCount + 1
		if o.OnStep != nil {
			o.OnStep(run.Info(), step)
		}

		stepCtx, span := o.startStepSpan(ctx, step)
		outcome, err := o.step(stepCtx, run, step, logger)
		o.endStepSpan(span, outcome, err)
		if err != nil {
			return err
		}
		if outcome == stepDone {
			return nil
		}
	}

	if err := o.recordError(run, run.Info().StepCount, KindStepLimit,
		fmt.Sprintf("reached max_steps=%d without a final answer", o.opts.MaxSteps), nil); err != nil {
		return err
	}
	return o.finish(run, run.Fail(KindStepLimit))
}

// step runs one iteration. Each branch appends its events before any
// status change.
func (o *Orchestrator) step(ctx context.Context, run *session.Run, step int, logger *logging.Logger) (stepOutcome, error) {
	info := run.Info()
	history := o.events.Recent(info.ID, o.opts.HistoryWindow)
	if _, err := o.events.Append(info.ID, session.EventObservation, map[string]interface{}{
		"step":         step,
		"goal":         info.Goal,
		"cwd":          info.Cwd,
		"history_size": len(history),
	}); err != nil {
		return stepDone, err
	}

	decision, err := o.propose(ctx, run, step, history)
	if err != nil {
		if ctx.Err() != nil {
			return stepDone, o.abort(ctx, run, step)
		}
		if logErr := o.recordError(run, step, KindProviderError, err.Error(), nil); logErr != nil {
			return stepDone, logErr
		}
		return stepDone, o.finish(run, run.Fail(KindProviderError))
	}

	if _, err := o.events.Append(info.ID, session.EventPlan, map[string]interface{}{
		"step":     step,
		"kind":     decision.Kind,
		"plan":     decision.Plan,
		"provider": o.provider.Name(),
		"model":    o.provider.Model(),
		"usage":    decision.Usage,
	}); err != nil {
		return stepDone, err
	}

	if decision.Kind == llm.KindFinal {
		run.IncrementStep()
		final := decision.FinalAnswer
		if final == "" {
			final = "No final response."
		}
		return stepDone, o.finish(run, run.Complete(final))
	}

	action := *decision.Action
	verdict := o.evaluate(run, action)
	proposal, err := o.events.Append(info.ID, session.EventProposal, map[string]interface{}{
		"step":    step,
		"action":  action,
		"verdict": verdict,
	})
	if err != nil {
		return stepDone, err
	}
	logger.Debug("proposal classified", map[string]interface{}{
		"step":    step,
		"action":  action.Summary(),
		"verdict": string(verdict.Classification),
		"rule":    verdict.MatchedRule,
	})

	if verdict.Classification == policy.Deny {
		return o.denied(run, step, action, verdict)
	}

	if verdict.Classification == policy.RequiresApproval || o.opts.ApprovalMode == ModeStrict {
		outcome, done, err := o.awaitApproval(ctx, run, step, action, verdict, proposal.SeqID)
		if err != nil || done {
			return stepDone, err
		}
		if outcome != "" {
			return o.reflect(run, step, action, outcome, "")
		}
	}

	return o.execute(ctx, run, step, action, proposal.SeqID)
}

// evaluate classifies an action, applying the run's sticky denials first.
func (o *Orchestrator) evaluate(run *session.Run, action policy.Action) policy.Verdict {
	if run.ToolDenied(action.Tool) {
		return policy.Verdict{
			Classification: policy.Deny,
			MatchedRule:    policy.RuleSessionDeny,
			Reason:         fmt.Sprintf("tool %q is always denied for this run", action.Tool),
		}
	}
	return o.engine.Evaluate(action)
}

func (o *Orchestrator) denied(run *session.Run, step int, action policy.Action, verdict policy.Verdict) (stepOutcome, error) {
	if err := o.recordError(run, step, KindPolicyViolation, verdict.Reason, map[string]interface{}{
		"rule": verdict.MatchedRule,
		"tool": action.Tool,
	}); err != nil {
		return stepDone, err
	}
	// Operator sticky denials never halt the run.
	if o.opts.HaltOnDeny && verdict.MatchedRule != policy.RuleSessionDeny {
		run.IncrementStep()
		return stepDone, o.finish(run, run.Fail(KindPolicyViolation))
	}
	return o.reflect(run, step, action, OutcomeDenied, verdict.Reason)
}

// awaitApproval suspends the run until the request resolves. It returns a
// non-empty outcome when the action must be skipped, and done when the run
// reached a terminal status.
func (o *Orchestrator) awaitApproval(ctx context.Context, run *session.Run, step int, action policy.Action, verdict policy.Verdict, proposalSeq uint64) (string, bool, error) {
	runID := run.ID()
	handle, err := o.gate.Request(runID, action, verdict)
	if err != nil {
		return "", true, fmt.Errorf("approval request: %w", err)
	}
	defer handle.Ack()

	req := handle.Request()
	if _, err := o.events.Append(runID, session.EventApprovalRequest, map[string]interface{}{
		"step":            step,
		"request_id":      req.ID,
		"proposal_seq":    proposalSeq,
		"proposed_action": action,
		"policy_verdict":  verdict,
		"expires_at":      req.ExpiresAt,
	}); err != nil {
		o.gate.Abort(runID)
		return "", true, err
	}
	if err := o.setStatus(run, session.StatusPaused); err != nil {
		o.gate.Abort(runID)
		return "", true, err
	}
	handle.Publish()
	if o.OnApprovalRequest != nil {
		o.OnApprovalRequest(handle.Request())
	}

	result := handle.Wait(ctx)
	decision := string(result.Resolution.Decision)
	if _, err := o.events.Append(runID, session.EventApprovalDecision, map[string]interface{}{
		"step":         step,
		"request_id":   req.ID,
		"proposal_seq": proposalSeq,
		"decision":     decision,
		"state":        string(result.State),
		"sticky":       result.Resolution.Sticky,
		"note":         result.Resolution.Note,
	}); err != nil {
		return "", true, err
	}

	if result.State == approval.StateAborted {
		return "", true, o.abort(ctx, run, step)
	}
	if err := o.setStatus(run, session.StatusRunning); err != nil {
		return "", true, err
	}
	if result.Approved() {
		return "", false, nil
	}

	if result.Resolution.Sticky {
		run.DenyTool(action.Tool)
	}
	kind, outcome := KindApprovalRejected, OutcomeRejected
	if result.State == approval.StateExpired {
		kind, outcome = KindApprovalExpired, OutcomeExpired
	}
	if err := o.recordError(run, step, kind, fmt.Sprintf("approval %s for %s", result.State, action.Summary()), map[string]interface{}{
		"request_id": req.ID,
	}); err != nil {
		return "", true, err
	}
	if o.opts.HaltOnReject {
		run.IncrementStep()
		return "", true, o.finish(run, run.Fail(kind))
	}
	return outcome, false, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *session.Run, step int, action policy.Action, proposalSeq uint64) (stepOutcome, error) {
	result, attempts, err := o.executeWithRetries(ctx, run, step, action)
	if o.OnExecution != nil {
		o.OnExecution(action, result, err)
	}

	switch {
	case err == nil:
		if _, err := o.events.Append(run.ID(), session.EventExecutionResult, map[string]interface{}{
			"step":         step,
			"proposal_seq": proposalSeq,
			"tool":         action.Tool,
			"ok":           result.OK,
			"output":       result.Output,
			"stderr":       result.Stderr,
			"payload":      result.Payload,
			"artifacts":    result.Artifacts,
			"attempts":     attempts,
		}); err != nil {
			return stepDone, err
		}
		outcome := OutcomeExecuted
		if !result.OK {
			outcome = OutcomeFailed
		}
		return o.reflect(run, step, action, outcome, "")

	case ctx.Err() != nil:
		return stepDone, o.abort(ctx, run, step)

	case tools.IsRetryable(err):
		if logErr := o.recordError(run, step, KindRetriesExhausted, err.Error(), map[string]interface{}{
			"tool":     action.Tool,
			"attempts": attempts,
		}); logErr != nil {
			return stepDone, logErr
		}
		if o.opts.HaltOnRetryExhausted {
			run.IncrementStep()
			return stepDone, o.finish(run, run.Fail(KindRetriesExhausted))
		}
		return o.reflect(run, step, action, OutcomeFailed, err.Error())

	default:
		if logErr := o.recordError(run, step, KindFatalToolError, err.Error(), map[string]interface{}{
			"tool":     action.Tool,
			"attempts": attempts,
		}); logErr != nil {
			return stepDone, logErr
		}
		run.IncrementStep()
		return stepDone, o.finish(run, run.Fail(KindFatalToolError))
	}
}

func (o *Orchestrator) reflect(run *session.Run, step int, action policy.Action, outcome, detail string) (stepOutcome, error) {
	payload := map[string]interface{}{
		"step":    step,
		"outcome": outcome,
		"summary": fmt.Sprintf("%s: %s", action.Summary(), outcome),
	}
	if detail != "" {
		payload["detail"] = detail
	}
	if _, err := o.events.Append(run.ID(), session.EventReflection, payload); err != nil {
		return stepDone, err
	}
	run.IncrementStep()
	if err := o.events.RecordStatus(run.Info()); err != nil {
		return stepDone, err
	}
	return stepContinue, nil
}

// abort records the abort and moves the run to aborted.
func (o *Orchestrator) abort(ctx context.Context, run *session.Run, step int) error {
	o.gate.Abort(run.ID())
	reason := KindAborted
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ErrAborted) {
		reason = fmt.Sprintf("%s: %v", KindAborted, cause)
	}
	if err := o.recordError(run, step, KindAborted, reason, nil); err != nil {
		return err
	}
	return o.finish(run, run.Abort(KindAborted))
}
