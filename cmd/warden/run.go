package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/warden/internal/approval"
	"github.com/vinayprograms/warden/internal/executor"
	"github.com/vinayprograms/warden/internal/logging"
	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/registry"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/tools"
)

// Run executes one goal, prompting on stdin for each approval.
func (c *RunCmd) Run(g *CLI) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	events, closeEvents, err := openEvents(cfg, c.NoJournal)
	if err != nil {
		return err
	}
	defer closeEvents()
	src, err := policySource(cfg)
	if err != nil {
		return err
	}

	out := os.Stdout
	prompts := make(chan approval.Request, 1)
	runs, err := registry.New(registry.Options{
		Config: cfg,
		Events: events,
		Gate:   newGate(cfg),
		Policy: src,
		Tools:  registry.ToolOptions(cfg),
		Configure: func(runID string, o *executor.Orchestrator) {
			o.OnStep = func(info session.RunInfo, step int) {
				printStep(out, step, info.MaxSteps)
			}
			o.OnApprovalRequest = func(req approval.Request) {
				prompts <- req
			}
			o.OnExecution = func(action policy.Action, res *tools.Result, err error) {
				printExecution(out, action, res, err)
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := runs.Create(ctx, registry.RunConfig{
		Goal:         c.Goal,
		Cwd:          c.Cwd,
		Provider:     c.Provider,
		Model:        c.Model,
		MaxSteps:     c.MaxSteps,
		ApprovalMode: c.ApprovalMode,
		TeamMode:     c.Team,
	})
	if err != nil {
		return err
	}
	logger := logging.New().WithComponent("cli").WithRun(id)

	done := make(chan session.RunInfo, 1)
	go func() {
		info, _ := runs.Wait(context.Background(), id)
		done <- info
	}()

	ask := newApprover(os.Stdin, out)
	interrupted := ctx.Done()
	for {
		select {
		case req := <-prompts:
			res, err := ask.Ask(ctx, req)
			if err != nil {
				logger.Warn("approval prompt ended, aborting run", map[string]interface{}{"error": err.Error()})
				abortRun(runs, id)
				continue
			}
			if err := runs.Resolve(context.Background(), id, req.ID, res); err != nil {
				if errors.Is(err, approval.ErrAlreadyResolved) {
					fmt.Fprintln(out, warnStyle.Render("approval already resolved (expired or aborted)"))
					continue
				}
				return err
			}

		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(out, warnStyle.Render("interrupted, aborting run"))
			abortRun(runs, id)

		case info := <-done:
			printResult(out, info)
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := runs.Close(closeCtx); err != nil {
				return err
			}
			if info.Status != session.StatusCompleted {
				return fmt.Errorf("run %s %s", id, info.Status)
			}
			return nil
		}
	}
}

func abortRun(runs *registry.Registry, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runs.Abort(ctx, id); err != nil && !errors.Is(err, registry.ErrRunFinished) {
		logging.New().WithComponent("cli").WithRun(id).Error("abort failed", map[string]interface{}{"error": err.Error()})
	}
}
