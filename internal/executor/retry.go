// Provider and tool retries for the executor.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vinayprograms/warden/internal/llm"
	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/tools"
)

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if o.opts.RetryBackoff > 0 {
		b.InitialInterval = o.opts.RetryBackoff
		b.MaxInterval = 30 * o.opts.RetryBackoff
	}
	return b
}

// propose asks the provider for the next decision, retrying ProviderError
// up to ProviderRetries times. Each failed attempt is recorded.
func (o *Orchestrator) propose(ctx context.Context, run *session.Run, step int, history []session.Event) (*llm.Decision, error) {
	info := run.Info()
	req := llm.Request{
		Goal:     info.Goal,
		Cwd:      info.Cwd,
		History:  history,
		Tools:    o.tools.Registry().Specs(),
		TeamMode: o.opts.TeamMode,
	}
	maxTries := uint(o.opts.ProviderRetries + 1)

	attempt := 0
	op := func() (*llm.Decision, error) {
		attempt++
		ctx, span := o.startProviderSpan(ctx, attempt)
		start := time.Now()
		d, err := o.provider.Propose(ctx, req)
		o.endProviderSpan(span, time.Since(start), err)
		if err == nil {
			err = checkDecision(d)
		}
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !llm.IsProviderError(err) {
			err = &llm.ProviderError{Provider: o.provider.Name(), Err: err}
		}
		if uint(attempt) < maxTries {
			if logErr := o.recordError(run, step, KindProviderError, err.Error(), map[string]interface{}{
				"attempt":  attempt,
				"retrying": true,
			}); logErr != nil {
				return nil, backoff.Permanent(logErr)
			}
		}
		return nil, err
	}

	return backoff.Retry(ctx, op, backoff.WithBackOff(o.newBackOff()), backoff.WithMaxTries(maxTries))
}

// checkDecision rejects decisions the loop cannot act on.
func checkDecision(d *llm.Decision) error {
	switch {
	case d == nil:
		return errors.New("provider returned no decision")
	case d.Kind == llm.KindFinal:
		return nil
	case d.Kind == llm.KindAction && d.Action != nil:
		return nil
	case d.Kind == llm.KindAction:
		return errors.New("action decision without action")
	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
}

// executeWithRetries runs the action, retrying RetryableError up to
// MaxRetries times. Every failed retryable attempt is recorded as an error
// event carrying the attempt number.
func (o *Orchestrator) executeWithRetries(ctx context.Context, run *session.Run, step int, action policy.Action) (*tools.Result, int, error) {
	maxTries := uint(o.opts.MaxRetries + 1)

	attempt := 0
	op := func() (*tools.Result, error) {
		attempt++
		ctx, span := o.startToolSpan(ctx, action, attempt)
		start := time.Now()
		res, err := o.tools.Execute(ctx, action.Tool, action.Args)
		o.endToolSpan(span, res, time.Since(start), err)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !tools.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		if logErr := o.recordError(run, step, KindRetryableToolError, err.Error(), map[string]interface{}{
			"tool":         action.Tool,
			"attempt":      attempt,
			"max_attempts": maxTries,
		}); logErr != nil {
			return nil, backoff.Permanent(logErr)
		}
		return nil, err
	}

	res, err := backoff.Retry(ctx, op, backoff.WithBackOff(o.newBackOff()), backoff.WithMaxTries(maxTries))
	return res, attempt, err
}
