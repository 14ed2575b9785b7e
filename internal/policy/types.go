// Package policy classifies proposed actions before anything executes.
package policy

import (
	"fmt"
	"strings"
)

// Classification is the outcome of evaluating an action.
type Classification string

const (
	Allow            Classification = "ALLOW"
	RequiresApproval Classification = "REQUIRES_APPROVAL"
	Deny             Classification = "DENY"
)

// rank orders classifications by strictness.
func (c Classification) rank() int {
	switch c {
	case Allow:
		return 0
	case RequiresApproval:
		return 1
	default:
		return 2
	}
}

// Stricter returns the stricter of two classifications.
func Stricter(a, b Classification) Classification {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Tool names understood by the engine.
const (
	ToolFile   = "file"
	ToolShell  = "shell"
	ToolSearch = "search"
)

// Risk levels a provider may attach to an action.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Action is a tool invocation proposed by the reasoning provider.
type Action struct {
	Tool      string                 `json:"tool"`
	Reason    string                 `json:"reason,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	RiskLevel string                 `json:"risk_level,omitempty"`
}

// StringArg returns a string argument, or "" when missing or not a string.
func (a Action) StringArg(key string) string {
	if a.Args == nil {
		return ""
	}
	s, _ := a.Args[key].(string)
	return s
}

// Summary returns a short human-readable description of the action.
func (a Action) Summary() string {
	switch a.Tool {
	case ToolShell:
		return "shell: " + a.StringArg("command")
	case ToolFile:
		return fmt.Sprintf("file %s: %s", a.StringArg("op"), a.StringArg("path"))
	case ToolSearch:
		return "search: " + a.StringArg("query")
	default:
		return a.Tool
	}
}

// Verdict is the engine's decision for one action.
type Verdict struct {
	Classification Classification `json:"classification"`
	MatchedRule    string         `json:"matched_rule"`
	Reason         string         `json:"reason"`
}

func (v Verdict) String() string {
	return fmt.Sprintf("%s (%s): %s", v.Classification, v.MatchedRule, v.Reason)
}

// Rule names recorded in verdicts.
const (
	RuleUnknownTool     = "unknown_tool"
	RuleMalformed       = "malformed_action"
	RulePathEscape      = "path_escape"
	RuleProtectedPath   = "protected_path"
	RuleAllowedCommand  = "allowed_command"
	RuleAllowedFileOp   = "allowed_file_op"
	RuleAllowedTool     = "allowed_tool"
	RuleHighRisk        = "high_risk"
	RuleDefault         = "default_requires_approval"
	RuleStrictMode      = "strict_mode"
	RuleSessionDeny     = "session_deny"
	RuleControlOperator = "shell_control_operator"
)

// normalizeTool lowercases a tool name and maps legacy aliases.
func normalizeTool(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "web" {
		return ToolSearch
	}
	return name
}
