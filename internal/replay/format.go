package replay

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/session"
)

const contPrefix = "      │              │   "

type observationPayload struct {
	Step        int    `json:"step"`
	Goal        string `json:"goal"`
	Cwd         string `json:"cwd"`
	HistorySize int    `json:"history_size"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type planPayload struct {
	Step     int          `json:"step"`
	Kind     string       `json:"kind"`
	Plan     string       `json:"plan"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Usage    usagePayload `json:"usage"`
}

type proposalPayload struct {
	Step    int            `json:"step"`
	Action  policy.Action  `json:"action"`
	Verdict policy.Verdict `json:"verdict"`
}

type approvalRequestPayload struct {
	Step        int            `json:"step"`
	RequestID   string         `json:"request_id"`
	ProposalSeq uint64         `json:"proposal_seq"`
	Action      policy.Action  `json:"proposed_action"`
	Verdict     policy.Verdict `json:"policy_verdict"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

type approvalDecisionPayload struct {
	Step      int    `json:"step"`
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	State     string `json:"state"`
	Sticky    bool   `json:"sticky"`
	Note      string `json:"note"`
}

type executionPayload struct {
	Step     int    `json:"step"`
	Tool     string `json:"tool"`
	OK       bool   `json:"ok"`
	Output   string `json:"output"`
	Stderr   string `json:"stderr"`
	Attempts int    `json:"attempts"`
}

type reflectionPayload struct {
	Step    int    `json:"step"`
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
}

type errorPayload struct {
	Step     int    `json:"step"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Tool     string `json:"tool"`
	Attempt  int    `json:"attempt"`
	Retrying bool   `json:"retrying"`
}

// formatEvent writes one timeline row, plus detail lines at higher verbosity.
func (r *Replayer) formatEvent(ev *session.Event, lastStep *int) {
	step := stepOf(ev)
	if step != *lastStep && ev.Type == session.EventObservation {
		fmt.Fprintf(r.output, "      │              │ %s\n", titleStyle.Render(fmt.Sprintf("── step %d ──", step)))
		*lastStep = step
	}

	seq := seqStyle.Render(fmt.Sprintf("%d", ev.SeqID))
	ts := timeStyle.Render(ev.Timestamp.Format("15:04:05.000"))
	row := func(content string) {
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seq, ts, content)
	}

	switch ev.Type {
	case session.EventObservation:
		var p observationPayload
		if ev.Decode(&p) == nil {
			row(dimStyle.Render(fmt.Sprintf("OBSERVE  history=%d", p.HistorySize)))
		}

	case session.EventPlan:
		var p planPayload
		if ev.Decode(&p) != nil {
			return
		}
		text := p.Plan
		if text == "" {
			text = p.Kind
		}
		row(flowStyle.Render("PLAN     ") + flowStyle.Render(oneLine(text, 100)))
		if r.verbosity >= 1 {
			line := fmt.Sprintf("%s %s", labelStyle.Render("model:"), valueStyle.Render(p.Provider+"/"+p.Model))
			if p.Usage.InputTokens > 0 || p.Usage.OutputTokens > 0 {
				line += fmt.Sprintf("  %s %d→%d", labelStyle.Render("tokens:"), p.Usage.InputTokens, p.Usage.OutputTokens)
			}
			fmt.Fprintln(r.output, contPrefix+line)
		}
		if r.verbosity >= 2 && strings.Contains(p.Plan, "\n") {
			r.printBlock("PLAN", p.Plan)
		}

	case session.EventProposal:
		var p proposalPayload
		if ev.Decode(&p) != nil {
			return
		}
		verdict := string(p.Verdict.Classification)
		row(toolStyle.Render("PROPOSE  ") + r.actionLabel(p.Action) + " " + verdictStyle(verdict).Render("["+verdict+"]"))
		if p.Verdict.MatchedRule != "" {
			fmt.Fprintf(r.output, "%s%s %s\n", contPrefix, labelStyle.Render("rule:"), valueStyle.Render(p.Verdict.MatchedRule))
		}
		if r.verbosity >= 1 {
			if p.Verdict.Reason != "" {
				fmt.Fprintf(r.output, "%s%s %s\n", contPrefix, labelStyle.Render("reason:"), valueStyle.Render(p.Verdict.Reason))
			}
			if p.Action.Reason != "" {
				fmt.Fprintf(r.output, "%s%s %s\n", contPrefix, labelStyle.Render("why:"), valueStyle.Render(p.Action.Reason))
			}
			r.printArgs(p.Action.Args)
		}

	case session.EventApprovalRequest:
		var p approvalRequestPayload
		if ev.Decode(&p) != nil {
			return
		}
		row(approvalStyle.Render("APPROVAL ") + valueStyle.Render("requested ") + dimStyle.Render(p.RequestID))
		if r.verbosity >= 1 && !p.ExpiresAt.IsZero() {
			fmt.Fprintf(r.output, "%s%s %s\n", contPrefix, labelStyle.Render("expires:"), valueStyle.Render(p.ExpiresAt.Format(time.RFC3339)))
		}

	case session.EventApprovalDecision:
		var p approvalDecisionPayload
		if ev.Decode(&p) != nil {
			return
		}
		style := successStyle
		if p.State != "approved" {
			style = errorStyle
		}
		label := p.State
		if p.Sticky {
			label += " (always)"
		}
		row(approvalStyle.Render("DECISION ") + style.Render(label))
		if p.Note != "" {
			fmt.Fprintf(r.output, "%s%s %s\n", contPrefix, labelStyle.Render("note:"), valueStyle.Render(p.Note))
		}

	case session.EventExecutionResult:
		var p executionPayload
		if ev.Decode(&p) != nil {
			return
		}
		status := successStyle.Render("✓")
		if !p.OK {
			status = errorStyle.Render("✗")
		}
		attempts := ""
		if p.Attempts > 1 {
			attempts = dimStyle.Render(fmt.Sprintf(" (%d attempts)", p.Attempts))
		}
		row(toolStyle.Render("EXECUTE  ") + toolStyle.Render(p.Tool) + " " + status + attempts)
		if r.verbosity >= 1 {
			r.printOutput(p.Output, false)
			r.printOutput(p.Stderr, true)
		}

	case session.EventReflection:
		var p reflectionPayload
		if ev.Decode(&p) != nil {
			return
		}
		row(flowStyle.Render("REFLECT  ") + dimStyle.Render(oneLine(p.Summary, 100)))
		if p.Detail != "" && r.verbosity >= 1 {
			fmt.Fprintf(r.output, "%s%s\n", contPrefix, dimStyle.Render(oneLine(p.Detail, 200)))
		}

	case session.EventError:
		var p errorPayload
		if ev.Decode(&p) != nil {
			return
		}
		style := errorStyle
		if p.Retrying || p.Kind == "retryable_tool_error" {
			style = warnStyle
		}
		row(style.Render("ERROR    ") + style.Render(p.Kind))
		fmt.Fprintf(r.output, "%s%s\n", contPrefix, style.Render(oneLine(p.Message, 200)))

	default:
		row(dimStyle.Render(strings.ToUpper(string(ev.Type))))
	}
}

func stepOf(ev *session.Event) int {
	var p struct {
		Step int `json:"step"`
	}
	if ev.Decode(&p) != nil {
		return -1
	}
	return p.Step
}

// actionLabel renders the tool and its primary argument.
func (r *Replayer) actionLabel(a policy.Action) string {
	switch a.Tool {
	case policy.ToolShell:
		return toolStyle.Render("shell") + " " + shellStyle.Render(oneLine(a.StringArg("command"), 80))
	case policy.ToolFile:
		return toolStyle.Render("file") + " " + valueStyle.Render(a.StringArg("op")+" "+a.StringArg("path"))
	case policy.ToolSearch:
		return toolStyle.Render("search") + " " + valueStyle.Render(oneLine(a.StringArg("query"), 80))
	default:
		return toolStyle.Render(a.Tool)
	}
}

// printArgs prints action arguments in key order.
func (r *Replayer) printArgs(args map[string]interface{}) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.output, "%s%s %v\n", contPrefix, labelStyle.Render(k+":"), args[k])
	}
}

// printOutput prints tool output, capped at 10 lines unless very verbose.
func (r *Replayer) printOutput(content string, stderr bool) {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return
	}
	if r.maxContentSize > 0 && len(content) > r.maxContentSize {
		content = content[:r.maxContentSize] + "\n[truncated]"
	}
	style := dimStyle
	if stderr {
		style = errorStyle
	}
	lines := strings.Split(content, "\n")
	maxLines := 10
	if r.verbosity >= 2 {
		maxLines = len(lines)
	}
	for i, line := range lines {
		if i >= maxLines {
			fmt.Fprintf(r.output, "%s%s\n", contPrefix, dimStyle.Render(fmt.Sprintf("... (%d more lines)", len(lines)-maxLines)))
			break
		}
		fmt.Fprintf(r.output, "%s%s\n", contPrefix, style.Render(line))
	}
}

// printBlock prints a titled multi-line block.
func (r *Replayer) printBlock(title, content string) {
	fmt.Fprintf(r.output, "%s\n", strings.TrimRight(contPrefix, " "))
	fmt.Fprintf(r.output, "%s%s\n", contPrefix, blockHeaderStyle.Render("── "+title+" ──"))
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(r.output, "%s%s\n", contPrefix, line)
	}
}

// oneLine collapses whitespace and truncates s to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
