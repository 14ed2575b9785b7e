package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vinayprograms/warden/internal/policy"
)

// Run classifies one action and prints the verdict.
func (c *CheckCmd) Run(g *CLI) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	src, err := policySource(cfg)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(c.Cwd)
	if err != nil {
		return err
	}
	engine, err := src.Engine(root)
	if err != nil {
		return err
	}

	action, err := c.action()
	if err != nil {
		return err
	}
	return printVerdict(os.Stdout, action, engine.Evaluate(action), c.JSON)
}

// action builds the proposed action from the positional arguments.
func (c *CheckCmd) action() (policy.Action, error) {
	a := policy.Action{Tool: c.Tool, RiskLevel: c.Risk, Reason: "manual check"}
	switch c.Tool {
	case policy.ToolShell:
		a.Args = map[string]interface{}{"command": strings.Join(c.Args, " ")}
	case policy.ToolFile:
		if len(c.Args) > 2 {
			return a, fmt.Errorf("file check takes OP [PATH], got %d arguments", len(c.Args))
		}
		a.Args = map[string]interface{}{"op": c.Args[0]}
		if len(c.Args) == 2 {
			a.Args["path"] = c.Args[1]
		}
	case policy.ToolSearch:
		a.Args = map[string]interface{}{"query": strings.Join(c.Args, " ")}
	default:
		return a, fmt.Errorf("unknown tool %q", c.Tool)
	}
	return a, nil
}

func printVerdict(w io.Writer, action policy.Action, verdict policy.Verdict, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"action":  action,
			"verdict": verdict,
		})
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("action: "), action.Summary())
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("verdict:"), verdictStyle(verdict.Classification).Render(string(verdict.Classification)))
	if verdict.MatchedRule != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("rule:   "), verdict.MatchedRule)
	}
	if verdict.Reason != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("reason: "), verdict.Reason)
	}
	return nil
}
