// Package main is the entry point for the warden CLI.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Load .env for API keys and the server token
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("warden"),
		kong.Description("Approval-gated agent execution loop."),
		kong.UsageOnError(),
		kong.Vars(kongVars()),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
