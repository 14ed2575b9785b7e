package replay

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vinayprograms/warden/internal/session"
)

// Replayer reads and formats journaled runs.
type Replayer struct {
	output         io.Writer
	verbosity      int    // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	maxContentSize int    // Maximum size for output fields (0 = unlimited)
	runID          string // Only replay this run (prefix match) when set
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits output field size.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// WithRun restricts replay to runs whose id starts with id.
func WithRun(id string) ReplayerOption {
	return func(r *Replayer) {
		r.runID = id
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the journal at path and returns the runs selected by the
// replayer's options.
func (r *Replayer) Load(path string) ([]*session.JournalRun, error) {
	runs, err := session.ReadJournal(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	if r.runID == "" {
		return runs, nil
	}
	var selected []*session.JournalRun
	for _, jr := range runs {
		if strings.HasPrefix(jr.Info.ID, r.runID) {
			selected = append(selected, jr)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no run matching %q in %s", r.runID, path)
	}
	return selected, nil
}

// ReplayFile loads and replays a journal.
func (r *Replayer) ReplayFile(path string) error {
	runs, err := r.Load(path)
	if err != nil {
		return err
	}
	return r.Replay(runs)
}

// Render returns the replay of the journal at path as a string.
func (r *Replayer) Render(path string) (string, error) {
	runs, err := r.Load(path)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	old := r.output
	r.output = &buf
	err = r.Replay(runs)
	r.output = old
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ReplayFileInteractive renders the journal into the interactive pager.
func (r *Replayer) ReplayFileInteractive(path string) error {
	content, err := r.Render(path)
	if err != nil {
		return err
	}
	return NewPager("Journal: " + path).Run(content)
}

// ReplayFileLive renders the journal into the pager and re-renders it
// whenever the file changes.
func (r *Replayer) ReplayFileLive(path string) error {
	return NewPager("Journal: "+path+" (LIVE)").RunLive(path, func() (string, error) {
		return r.Render(path)
	})
}

// Replay writes a formatted timeline for each run.
func (r *Replayer) Replay(runs []*session.JournalRun) error {
	for _, jr := range runs {
		r.printHeader(jr)
		r.printTimeline(jr)
		r.printSummary(jr)
	}
	if len(runs) > 1 {
		fmt.Fprintln(r.output)
		PrintTotals(r.output, runs)
	}
	return nil
}

func (r *Replayer) printHeader(jr *session.JournalRun) {
	info := jr.Info
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("RUN"), valueStyle.Render(info.ID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Goal:    "), valueStyle.Render(info.Goal))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Cwd:     "), valueStyle.Render(info.Cwd))
	if info.Provider != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Model:   "), valueStyle.Render(info.Provider+"/"+info.Model))
	}
	mode := info.ApprovalMode
	if info.TeamMode {
		mode += ", team"
	}
	if mode != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Mode:    "), valueStyle.Render(mode))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Status:  "), statusStyle(string(info.Status)).Render(string(info.Status)))
	if !info.CreatedAt.IsZero() {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created: "), valueStyle.Render(info.CreatedAt.Format(time.RFC3339)))
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(jr *session.JournalRun) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(jr.Events))))
	fmt.Fprintln(r.output, divider)

	lastStep := -1
	for i := range jr.Events {
		r.formatEvent(&jr.Events[i], &lastStep)
	}
}

func (r *Replayer) printSummary(jr *session.JournalRun) {
	info := jr.Info
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch info.Status {
	case session.StatusCompleted:
		fmt.Fprintf(r.output, "%s %s\n", successStyle.Render("COMPLETED:"), valueStyle.Render(info.FinalText))
	case session.StatusFailed:
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("FAILED:"), valueStyle.Render(info.Error))
	case session.StatusAborted:
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("ABORTED:"), valueStyle.Render(info.Error))
	case session.StatusPaused:
		fmt.Fprintln(r.output, warnStyle.Render("WAITING FOR APPROVAL"))
	default:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	}

	PrintStats(r.output, ComputeStats(jr))
}
