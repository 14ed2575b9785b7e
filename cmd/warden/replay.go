package main

import (
	"os"

	"github.com/vinayprograms/warden/internal/replay"
)

// Run replays a journal for forensic analysis.
func (c *ReplayCmd) Run(g *CLI) error {
	path := c.Journal
	if path == "" {
		cfg, err := loadConfig(g)
		if err != nil {
			return err
		}
		path = cfg.JournalPath()
	}

	var opts []replay.ReplayerOption
	if c.RunID != "" {
		opts = append(opts, replay.WithRun(c.RunID))
	}
	r := replay.New(os.Stdout, c.Verbose, opts...)

	interactive := !c.NoPager && isTerminal(os.Stdout)
	switch {
	case c.Live && interactive:
		return r.ReplayFileLive(path)
	case interactive:
		return r.ReplayFileInteractive(path)
	default:
		return r.ReplayFile(path)
	}
}
