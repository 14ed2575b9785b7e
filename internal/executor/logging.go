// Event and status recording for the executor.
package executor

import (
	"errors"

	"github.com/vinayprograms/warden/internal/session"
)

// finish persists a terminal transition. A run that is already terminal
// (aborted concurrently) is left untouched.
func (o *Orchestrator) finish(run *session.Run, transitionErr error) error {
	if transitionErr != nil {
		if errors.Is(transitionErr, session.ErrTerminal) {
			return nil
		}
		return transitionErr
	}
	return o.events.RecordStatus(run.Info())
}

func (o *Orchestrator) setStatus(run *session.Run, status session.Status) error {
	if err := run.SetStatus(status); err != nil {
		return err
	}
	return o.events.RecordStatus(run.Info())
}

func (o *Orchestrator) recordError(run *session.Run, step int, kind, message string, extra map[string]interface{}) error {
	payload := map[string]interface{}{
		"step":    step,
		"kind":    kind,
		"message": message,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := o.events.Append(run.ID(), session.EventError, payload)
	if err != nil {
		return err
	}
	o.logger.WithRun(run.ID()).Warn("step error", map[string]interface{}{
		"step":    step,
		"kind":    kind,
		"message": truncateForLog(message, 500),
	})
	return nil
}
