package main

import (
	"fmt"
	"os"
	"time"

	"github.com/vinayprograms/warden/internal/approval"
	"github.com/vinayprograms/warden/internal/config"
	"github.com/vinayprograms/warden/internal/logging"
	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/registry"
	"github.com/vinayprograms/warden/internal/session"
)

// loadConfig loads the config file (or ./warden.toml), applies environment
// overrides and configures logging.
func loadConfig(g *CLI) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.Config != "" {
		cfg, err = config.LoadFile(g.Config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	level := cfg.Logging.Level
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	if err := logging.Configure(os.Stderr, level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg, nil
}

// openEvents creates the event log, journaled unless noJournal is set.
func openEvents(cfg *config.Config, noJournal bool, sinks ...session.Sink) (*session.EventLog, func(), error) {
	if noJournal {
		return session.NewEventLog(nil, sinks...), func() {}, nil
	}
	journal, err := session.OpenJournal(cfg.JournalPath(), cfg.Storage.Fsync)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	events := session.NewEventLog(journal, sinks...)
	return events, func() { events.Close() }, nil
}

// policySource builds the rule source from [policy], overlaid with the
// policy file when one is configured.
func policySource(cfg *config.Config) (*policy.Source, error) {
	return policy.NewSource(registry.RulesFromConfig(cfg.Policy), config.ExpandPath(cfg.Policy.File))
}

func newGate(cfg *config.Config) *approval.Gate {
	return approval.NewGate(config.Duration(cfg.Approval.Timeout, time.Hour))
}

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
