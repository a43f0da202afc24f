package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/muster/internal/dispatch"
)

// Render styles.
var (
	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailure = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleTimeout = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Renderer writes human-readable report tables to a terminal or any
// writer. It implements Sink; in live mode each published report
// replaces the previous frame so a round is always shown whole.
type Renderer struct {
	// W is the output writer.
	W io.Writer

	// Width is the terminal width; 0 disables truncation.
	Width int

	// Live redraws in place instead of appending frames.
	Live bool

	// ShowPayload includes command output below each node row.
	ShowPayload bool

	mu sync.Mutex
}

// Publish implements Sink.
func (r *Renderer) Publish(rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	if r.Live {
		// Home + clear so the frame replaces the previous round.
		b.WriteString("\x1b[H\x1b[2J")
	}
	r.writeReport(&b, rep)
	_, err := io.WriteString(r.W, b.String())
	return err
}

// writeReport renders one complete frame.
func (r *Renderer) writeReport(b *strings.Builder, rep Report) {
	title := fmt.Sprintf("round %d — %d nodes: %d ok, %d failed, %d timed out, %d skipped",
		rep.Round, rep.Total(), rep.Succeeded, rep.Failed, rep.TimedOut, rep.Skipped)
	b.WriteString(styleHeader.Render(title))
	b.WriteString("\n")
	b.WriteString(styleDim.Render(rep.GeneratedAt.Format("2006-01-02 15:04:05")))
	b.WriteString("\n\n")

	nameWidth := 4
	for _, res := range rep.Results {
		if len(res.Node) > nameWidth {
			nameWidth = len(res.Node)
		}
	}

	for _, res := range rep.Results {
		b.WriteString(fmt.Sprintf("  %-*s  %s  %s",
			nameWidth, res.Node,
			r.outcomeCell(res.Outcome),
			styleDim.Render(r.elapsedCell(res))))
		if res.Reason != "" {
			b.WriteString("  " + r.truncate(res.Reason, nameWidth))
		}
		b.WriteString("\n")

		if r.ShowPayload && res.Payload != "" {
			for _, line := range strings.Split(strings.TrimRight(res.Payload, "\n"), "\n") {
				b.WriteString(styleDim.Render("      "+line) + "\n")
			}
		}
	}
}

// outcomeCell renders a fixed-width styled outcome label.
func (r *Renderer) outcomeCell(o dispatch.Outcome) string {
	label := fmt.Sprintf("%-17s", o.String())
	switch o {
	case dispatch.OutcomeSuccess:
		return styleSuccess.Render(label)
	case dispatch.OutcomeTimeout:
		return styleTimeout.Render(label)
	case dispatch.OutcomeConnectionFailed, dispatch.OutcomeCommandFailed:
		return styleFailure.Render(label)
	default:
		return styleSkipped.Render(label)
	}
}

// elapsedCell formats a worker duration for display.
func (r *Renderer) elapsedCell(res dispatch.Result) string {
	if res.Outcome == dispatch.OutcomeSkipped {
		return "      -"
	}
	if res.Elapsed >= time.Minute {
		now := time.Now()
		return humanize.RelTime(now.Add(-res.Elapsed), now, "", "")
	}
	return fmt.Sprintf("%6.2fs", res.Elapsed.Seconds())
}

// truncate shortens long reasons so rows stay on one line.
func (r *Renderer) truncate(s string, nameWidth int) string {
	if r.Width <= 0 {
		return s
	}
	budget := r.Width - nameWidth - 32
	if budget < 16 {
		budget = 16
	}
	if len(s) <= budget {
		return s
	}
	return s[:budget-1] + "…"
}
