package replay

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/warden/internal/session"
)

// Stats holds aggregate statistics for one run.
type Stats struct {
	DurationMs int64
	Steps      int
	Events     int

	// Provider calls
	PlanCount      int
	ProviderErrors int
	InputTokens    int
	OutputTokens   int

	// Policy verdicts
	Allowed          int
	RequiresApproval int
	Denied           int

	// Approvals
	Approved int
	Rejected int
	Expired  int
	Aborted  int

	// Tool executions
	Executions      int
	FailedExecution int
	ToolRetries     int
	ErrorsByKind    map[string]int
}

// ComputeStats calculates aggregate statistics from a run's events.
func ComputeStats(jr *session.JournalRun) *Stats {
	stats := &Stats{
		Steps:        jr.Info.StepCount,
		Events:       len(jr.Events),
		ErrorsByKind: make(map[string]int),
	}

	var first, last time.Time
	for i := range jr.Events {
		ev := &jr.Events[i]
		if first.IsZero() || ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if last.IsZero() || ev.Timestamp.After(last) {
			last = ev.Timestamp
		}

		switch ev.Type {
		case session.EventPlan:
			var p planPayload
			if ev.Decode(&p) == nil {
				stats.PlanCount++
				stats.InputTokens += p.Usage.InputTokens
				stats.OutputTokens += p.Usage.OutputTokens
			}

		case session.EventProposal:
			var p proposalPayload
			if ev.Decode(&p) == nil {
				switch p.Verdict.Classification {
				case "ALLOW":
					stats.Allowed++
				case "REQUIRES_APPROVAL":
					stats.RequiresApproval++
				default:
					stats.Denied++
				}
			}

		case session.EventApprovalDecision:
			var p approvalDecisionPayload
			if ev.Decode(&p) == nil {
				switch p.State {
				case "approved":
					stats.Approved++
				case "rejected":
					stats.Rejected++
				case "expired":
					stats.Expired++
				case "aborted":
					stats.Aborted++
				}
			}

		case session.EventExecutionResult:
			var p executionPayload
			if ev.Decode(&p) == nil {
				stats.Executions++
				if !p.OK {
					stats.FailedExecution++
				}
			}

		case session.EventError:
			var p errorPayload
			if ev.Decode(&p) == nil {
				stats.ErrorsByKind[p.Kind]++
				switch p.Kind {
				case "provider_error":
					stats.ProviderErrors++
				case "retryable_tool_error":
					stats.ToolRetries++
				}
			}
		}
	}

	if !first.IsZero() && !last.IsZero() {
		stats.DurationMs = last.Sub(first).Milliseconds()
	}
	return stats
}

var (
	statsHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	statsLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statsValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
)

func statLine(w io.Writer, label string, value interface{}) {
	fmt.Fprintf(w, "  %s %s\n", statsLabelStyle.Render(label), statsValueStyle.Render(fmt.Sprint(value)))
}

// PrintStats outputs the statistics to the writer.
func PrintStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, statsHeaderStyle.Render("RUN STATISTICS"))
	statLine(w, "Duration:", formatDuration(stats.DurationMs))
	statLine(w, "Steps:", stats.Steps)
	statLine(w, "Events:", stats.Events)

	if stats.PlanCount > 0 || stats.ProviderErrors > 0 {
		fmt.Fprintln(w, statsHeaderStyle.Render("Provider:"))
		statLine(w, "Decisions:", stats.PlanCount)
		if stats.ProviderErrors > 0 {
			statLine(w, "Errors:", stats.ProviderErrors)
		}
		if stats.InputTokens > 0 || stats.OutputTokens > 0 {
			statLine(w, "Tokens:", fmt.Sprintf("%d in, %d out", stats.InputTokens, stats.OutputTokens))
		}
	}

	if stats.Allowed+stats.RequiresApproval+stats.Denied > 0 {
		fmt.Fprintln(w, statsHeaderStyle.Render("Policy:"))
		statLine(w, "Allowed:", stats.Allowed)
		statLine(w, "Needs approval:", stats.RequiresApproval)
		statLine(w, "Denied:", stats.Denied)
	}

	if stats.Approved+stats.Rejected+stats.Expired+stats.Aborted > 0 {
		fmt.Fprintln(w, statsHeaderStyle.Render("Approvals:"))
		statLine(w, "Approved:", stats.Approved)
		statLine(w, "Rejected:", stats.Rejected)
		if stats.Expired > 0 {
			statLine(w, "Expired:", stats.Expired)
		}
		if stats.Aborted > 0 {
			statLine(w, "Aborted:", stats.Aborted)
		}
	}

	if stats.Executions > 0 || stats.ToolRetries > 0 {
		fmt.Fprintln(w, statsHeaderStyle.Render("Tools:"))
		statLine(w, "Executions:", stats.Executions)
		if stats.FailedExecution > 0 {
			statLine(w, "Non-zero exits:", stats.FailedExecution)
		}
		if stats.ToolRetries > 0 {
			statLine(w, "Retried failures:", stats.ToolRetries)
		}
	}
}

// PrintTotals outputs a one-line summary per status across runs.
func PrintTotals(w io.Writer, runs []*session.JournalRun) {
	counts := make(map[session.Status]int)
	for _, jr := range runs {
		counts[jr.Info.Status]++
	}
	fmt.Fprintln(w, statsHeaderStyle.Render(fmt.Sprintf("JOURNAL: %d runs", len(runs))))
	for _, st := range []session.Status{
		session.StatusCompleted, session.StatusFailed, session.StatusAborted,
		session.StatusPaused, session.StatusRunning,
	} {
		if counts[st] > 0 {
			statLine(w, string(st)+":", counts[st])
		}
	}
}

// formatDuration formats milliseconds as human-readable duration.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}
