// Package report renders worker status and cycle history for the terminal.
// Output is styled when writing to a TTY and plain otherwise.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/johndauphine/redis-pg-sync/internal/checkpoint"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
	"golang.org/x/term"
)

var (
	colorPurple = lipgloss.Color("#7D56F4")
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4141")
	colorYellow = lipgloss.Color("#FFC107")
	colorGray   = lipgloss.Color("#626262")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorGray)

	styleOK = lipgloss.NewStyle().
		Foreground(colorGreen).
		Bold(true)

	styleWarn = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)
)

// Status is everything the status command shows for one job.
type Status struct {
	Job         string
	Pattern     string
	Tables      []string
	Pending     int // sync keys currently in the cache, -1 if unknown
	Failures    int // failure-history rows, -1 if unknown
	Worker      *checkpoint.Worker
	Stats       *checkpoint.Stats
	LastCycle   *syncer.CycleResult
	CacheError  string
	TargetError string
}

// Printer writes reports to an output.
type Printer struct {
	out    io.Writer
	styled bool
}

// NewPrinter creates a printer. Styling is enabled when out is a terminal.
func NewPrinter(out io.Writer) *Printer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &Printer{out: out, styled: styled}
}

// NewPlainPrinter creates a printer that never styles output.
func NewPlainPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *Printer) statusText(status string) string {
	switch status {
	case syncer.StatusOK, "running", "stopped":
		return p.render(styleOK, status)
	case syncer.StatusPartial, syncer.StatusUnavailable, syncer.StatusCancelled:
		return p.render(styleWarn, status)
	case syncer.StatusFailed:
		return p.render(styleError, status)
	default:
		return status
	}
}

// Status prints a job summary.
func (p *Printer) Status(s *Status) {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", p.render(styleLabel, fmt.Sprintf("%-14s", label+":")), value)
	}

	fmt.Fprintln(&b, p.render(styleTitle, "Sync job "+s.Job))
	row("Pattern", s.Pattern)
	row("Tables", strings.Join(s.Tables, ", "))
	row("Pending keys", countText(s.Pending, s.CacheError))
	row("Failures", countText(s.Failures, s.TargetError))

	if s.Worker != nil {
		w := fmt.Sprintf("%s (%s, started %s)", s.Worker.ID, p.statusText(s.Worker.Status), formatTime(s.Worker.StartedAt))
		if s.Worker.StoppedAt != nil {
			w += ", stopped " + formatTime(*s.Worker.StoppedAt)
		}
		row("Worker", w)
	} else {
		row("Worker", "never started")
	}

	if s.Stats != nil && s.Stats.Cycles > 0 {
		row("Cycles", fmt.Sprintf("%d (%d failed)", s.Stats.Cycles, s.Stats.Failed))
		row("Rows", fmt.Sprintf("%d inserted, %d updated", s.Stats.Inserted, s.Stats.Updated))
		row("Quarantined", fmt.Sprintf("%d records", s.Stats.Quarantined))
		row("Skipped", fmt.Sprintf("%d keys", s.Stats.Skipped))
	}
	if c := s.LastCycle; c != nil {
		row("Last cycle", fmt.Sprintf("%s %s at %s (%s)", c.ID, p.statusText(c.Status),
			formatTime(c.StartedAt), c.Duration.Round(time.Millisecond)))
		if c.Error != "" {
			row("Last error", c.Error)
		}
	}

	text := strings.TrimRight(b.String(), "\n")
	if p.styled {
		text = styleBox.Render(text)
	}
	fmt.Fprintln(p.out, text)
}

// Cycles prints a history table, newest first.
func (p *Printer) Cycles(cycles []syncer.CycleResult) {
	if len(cycles) == 0 {
		fmt.Fprintln(p.out, "No cycles recorded")
		return
	}

	header := fmt.Sprintf("%-10s %-14s %-19s %-11s %8s %8s %8s %8s %8s %9s",
		"CYCLE", "JOB", "STARTED", "STATUS", "SCANNED", "INSERTED", "UPDATED", "QUARANT.", "SKIPPED", "DURATION")
	fmt.Fprintln(p.out, p.render(styleTitle, header))

	for _, c := range cycles {
		// Pad before styling so escape codes do not break alignment.
		status := p.statusText(fmt.Sprintf("%-11s", c.Status))
		fmt.Fprintf(p.out, "%-10s %-14s %-19s %s %8d %8d %8d %8d %8d %9s\n",
			c.ID, truncate(c.Job, 14), formatTime(c.StartedAt), status,
			c.Scanned, c.Inserted, c.Updated, c.Quarantined, c.Skipped,
			c.Duration.Round(time.Millisecond))
		if c.Error != "" {
			fmt.Fprintf(p.out, "           %s\n", p.render(styleError, c.Error))
		}
	}
}

// Failures prints failure-history rows.
func (p *Printer) Failures(entries []syncer.FailureEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(p.out, "No quarantined batches")
		return
	}
	fmt.Fprintln(p.out, p.render(styleTitle, fmt.Sprintf("%-8s %-24s %-19s %8s  %s", "ID", "TABLE", "CREATED", "RECORDS", "REASON")))
	for _, e := range entries {
		fmt.Fprintf(p.out, "%-8d %-24s %-19s %8d  %s\n",
			e.ID, truncate(e.TargetTable, 24), formatTime(e.CreatedAt), len(e.SyncData), truncate(e.Reason, 80))
	}
}

func countText(n int, errText string) string {
	if errText != "" {
		return "unknown (" + errText + ")"
	}
	if n < 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d", n)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
