package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/warden/internal/config"
	"github.com/vinayprograms/warden/internal/logging"
	"github.com/vinayprograms/warden/internal/notify"
	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/registry"
	"github.com/vinayprograms/warden/internal/server"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/telemetry"
)

// Run serves the control surface until interrupted.
func (c *ServeCmd) Run(g *CLI) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := logging.New().WithComponent("serve")

	token := cfg.GetServerToken()
	if token == "" {
		return fmt.Errorf("%w: set %s", server.ErrNoToken, cfg.Server.TokenEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "warden", version, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	var sinks []session.Sink
	if cfg.Events.NATSURL != "" {
		sink, err := notify.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return err
		}
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	events, closeEvents, err := openEvents(cfg, false, sinks...)
	if err != nil {
		return err
	}
	defer closeEvents()

	src, err := policySource(cfg)
	if err != nil {
		return err
	}
	if cfg.Policy.File != "" && cfg.Policy.Watch {
		src.OnReload = func(rules policy.Rules, err error) {
			if err == nil {
				logger.Info("policy reloaded", map[string]interface{}{"path": cfg.Policy.File})
			}
		}
		if err := src.Watch(ctx); err != nil {
			return err
		}
	}

	runs, err := registry.New(registry.Options{
		Config: cfg,
		Events: events,
		Gate:   newGate(cfg),
		Policy: src,
		Tools:  registry.ToolOptions(cfg),
	})
	if err != nil {
		return err
	}
	if err := runs.StartJanitor(cfg.Server.EvictCron, config.Duration(cfg.Server.EvictAfter, 24*time.Hour)); err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runs.Close(cctx); err != nil {
			logger.Warn("registry close timed out", map[string]interface{}{"error": err.Error()})
		}
	}()

	srv, err := server.New(runs, token,
		server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		server.WithMaxConns(cfg.Server.MaxConns),
	)
	if err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	return srv.Serve(ctx, addr)
}
