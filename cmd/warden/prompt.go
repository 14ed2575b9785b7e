package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/warden/internal/approval"
)

// errPromptCancelled is returned when the operator abandons a prompt.
var errPromptCancelled = errors.New("approval prompt cancelled")

// approver asks the operator to decide on a pending request.
type approver interface {
	Ask(ctx context.Context, req approval.Request) (approval.Resolution, error)
}

// newApprover returns the interactive prompt on a terminal and the line
// prompt otherwise.
func newApprover(in *os.File, out io.Writer) approver {
	if isTerminal(in) {
		return &teaApprover{in: in, out: out}
	}
	return newLineApprover(in, out)
}

var (
	promptBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("14")).
			Padding(0, 1)

	promptTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("14"))
)

// describeRequest renders the request for the operator.
func describeRequest(req approval.Request) string {
	var b strings.Builder
	b.WriteString(promptTitleStyle.Render("Approval required"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("action: "), req.Action.Summary())
	if req.Action.Reason != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("why:    "), req.Action.Reason)
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("risk:   "), req.Action.RiskLevel)
	fmt.Fprintf(&b, "%s %s", labelStyle.Render("policy: "), verdictStyle(req.Verdict.Classification).Render(string(req.Verdict.Classification)))
	if req.Verdict.MatchedRule != "" {
		fmt.Fprintf(&b, " (%s)", req.Verdict.MatchedRule)
	}
	if req.Verdict.Reason != "" {
		fmt.Fprintf(&b, "\n%s %s", labelStyle.Render("reason: "), req.Verdict.Reason)
	}
	if !req.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "\n%s %s", labelStyle.Render("expires:"), req.ExpiresAt.Local().Format(time.Kitchen))
	}
	return promptBoxStyle.Render(b.String())
}

const promptHelp = "y = approve, n = reject, ad = always deny this tool"

// lineApprover reads decisions line by line.
type lineApprover struct {
	out   io.Writer
	lines chan string
}

func newLineApprover(in io.Reader, out io.Writer) *lineApprover {
	a := &lineApprover{out: out, lines: make(chan string)}
	go func() {
		defer close(a.lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			a.lines <- sc.Text()
		}
	}()
	return a
}

func (a *lineApprover) Ask(ctx context.Context, req approval.Request) (approval.Resolution, error) {
	fmt.Fprintln(a.out, describeRequest(req))
	for {
		fmt.Fprintf(a.out, "%s > ", promptHelp)
		select {
		case <-ctx.Done():
			return approval.Resolution{}, ctx.Err()
		case line, ok := <-a.lines:
			if !ok {
				return approval.Resolution{}, errPromptCancelled
			}
			res, err := approval.ParseDecision(line)
			if err != nil {
				fmt.Fprintln(a.out, errorStyle.Render(err.Error()))
				continue
			}
			return res, nil
		}
	}
}

// teaApprover shows a bubbletea prompt.
type teaApprover struct {
	in  io.Reader
	out io.Writer
}

func (a *teaApprover) Ask(ctx context.Context, req approval.Request) (approval.Resolution, error) {
	m := newPromptModel(req)
	final, err := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(a.in),
		tea.WithOutput(a.out),
	).Run()
	if err != nil {
		if ctx.Err() != nil {
			return approval.Resolution{}, ctx.Err()
		}
		return approval.Resolution{}, err
	}
	pm := final.(*promptModel)
	if pm.cancelled {
		return approval.Resolution{}, errPromptCancelled
	}
	return pm.result, nil
}

type promptModel struct {
	req       approval.Request
	input     textinput.Model
	result    approval.Resolution
	errMsg    string
	cancelled bool
	done      bool
}

func newPromptModel(req approval.Request) *promptModel {
	ti := textinput.New()
	ti.Placeholder = "y / n / ad"
	ti.CharLimit = 16
	ti.Width = 20
	ti.Focus()
	return &promptModel{req: req, input: ti}
}

func (m *promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.cancelled = true
			return m, tea.Quit
		case tea.KeyEnter:
			res, err := approval.ParseDecision(m.input.Value())
			if err != nil {
				m.errMsg = err.Error()
				m.input.SetValue("")
				return m, nil
			}
			m.result = res
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *promptModel) View() string {
	if m.done || m.cancelled {
		return ""
	}
	view := describeRequest(m.req) + "\n" + dimStyle.Render(promptHelp) + "\n" + m.input.View()
	if m.errMsg != "" {
		view += "\n" + errorStyle.Render(m.errMsg)
	}
	return view + "\n"
}
