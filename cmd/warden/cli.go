// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config   string `short:"c" type:"path" help:"Config file path (default: ./warden.toml)"`
	LogLevel string `help:"Log level (debug, info, warn, error)" placeholder:"LEVEL"`

	Run     RunCmd     `cmd:"" help:"Run a goal with interactive approvals"`
	Serve   ServeCmd   `cmd:"" help:"Serve the HTTP control surface"`
	Replay  ReplayCmd  `cmd:"" help:"Replay a run journal for forensic analysis"`
	Check   CheckCmd   `cmd:"" help:"Classify one action against the policy"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd executes one goal in the foreground.
type RunCmd struct {
	Goal         string `arg:"" help:"Goal for the agent"`
	Cwd          string `short:"C" type:"path" default:"." help:"Working directory the run is confined to"`
	Provider     string `short:"p" help:"Reasoning provider (openai, anthropic, gemini)"`
	Model        string `short:"m" help:"Model name"`
	MaxSteps     int    `help:"Step limit (default from config)"`
	ApprovalMode string `help:"Approval mode: normal or strict (default from config)"`
	Team         bool   `help:"Collaborative team mode"`
	NoJournal    bool   `help:"Do not write the run to the journal"`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Addr string `help:"Listen address (default from config)"`
}

// ReplayCmd replays a journal for analysis.
type ReplayCmd struct {
	Journal string `arg:"" optional:"" type:"path" help:"Journal file (default from config)"`
	RunID   string `name:"run" short:"r" help:"Only replay runs whose id starts with this prefix"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	NoPager bool   `help:"Disable pager for output"`
	Live    bool   `short:"l" help:"Follow the journal as it grows"`
}

// CheckCmd classifies an action without running it.
type CheckCmd struct {
	Tool string   `arg:"" enum:"shell,file,search" help:"Tool: shell, file or search"`
	Args []string `arg:"" help:"shell: command words; file: OP PATH; search: query words"`
	Cwd  string   `short:"C" type:"path" default:"." help:"Root directory for path checks"`
	Risk string   `default:"medium" enum:"low,medium,high" help:"Declared risk level"`
	JSON bool     `help:"Print the verdict as JSON"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
