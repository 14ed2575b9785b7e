package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/tools"
)

var (
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stepStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func verdictStyle(c policy.Classification) lipgloss.Style {
	switch c {
	case policy.Allow:
		return successStyle
	case policy.RequiresApproval:
		return warnStyle
	default:
		return errorStyle
	}
}

func printStep(w io.Writer, step, maxSteps int) {
	fmt.Fprintf(w, "%s\n", stepStyle.Render(fmt.Sprintf("── step %d/%d", step, maxSteps)))
}

// printExecution prints a tool result, keeping the first lines of output.
func printExecution(w io.Writer, action policy.Action, res *tools.Result, err error) {
	if err != nil {
		fmt.Fprintf(w, "  %s %s %s\n", toolStyle.Render(action.Tool), errorStyle.Render("error:"), err.Error())
		return
	}
	mark := successStyle.Render("✓")
	if !res.OK {
		mark = errorStyle.Render("✗")
	}
	fmt.Fprintf(w, "  %s %s %s\n", mark, toolStyle.Render(action.Tool), dimStyle.Render(action.Summary()))

	out := strings.TrimRight(res.Output, "\n")
	if out == "" {
		out = strings.TrimRight(res.Stderr, "\n")
	}
	if out == "" {
		return
	}
	lines := strings.Split(out, "\n")
	const maxLines = 8
	for i, line := range lines {
		if i == maxLines {
			fmt.Fprintf(w, "    %s\n", dimStyle.Render(fmt.Sprintf("... (%d more lines)", len(lines)-maxLines)))
			break
		}
		fmt.Fprintf(w, "    %s\n", dimStyle.Render(line))
	}
}

// printResult prints the run's final state.
func printResult(w io.Writer, info session.RunInfo) {
	fmt.Fprintln(w)
	switch info.Status {
	case session.StatusCompleted:
		fmt.Fprintln(w, successStyle.Render("COMPLETED"))
		if info.FinalText != "" {
			fmt.Fprintln(w, info.FinalText)
		}
	case session.StatusAborted:
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("ABORTED:"), info.Error)
	default:
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("FAILED:"), info.Error)
	}
	fmt.Fprintf(w, "%s %s  %s %d\n", labelStyle.Render("run:"), info.ID, labelStyle.Render("steps:"), info.StepCount)
}
