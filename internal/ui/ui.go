// Package ui renders terminal output for wvt.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// Printer writes styled text. Colour is dropped when the destination is not
// a terminal or NO_COLOR is set.
type Printer struct {
	w io.Writer
	r *lipgloss.Renderer

	title  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
}

// New returns a Printer for w.
func New(w io.Writer) *Printer {
	profile := termenv.Ascii
	if IsTerminal(w) && os.Getenv("NO_COLOR") == "" {
		profile = termenv.EnvColorProfile()
	}
	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	return &Printer{
		w:      w,
		r:      r,
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("11")),
		fail:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		header: r.NewStyle().Bold(true).Underline(true),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf(format, args...)))
}

func (p *Printer) OK(format string, args ...any) {
	fmt.Fprintln(p.w, p.ok.Render("✓ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Fail(format string, args ...any) {
	fmt.Fprintln(p.w, p.fail.Render("✗ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(format, args...)))
}

// KeyValues prints aligned "key  value" rows.
func (p *Printer) KeyValues(rows [][2]string) {
	width := 0
	for _, kv := range rows {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	key := p.muted.Width(width + 2)
	for _, kv := range rows {
		fmt.Fprintln(p.w, lipgloss.JoinHorizontal(lipgloss.Top, key.Render(kv[0]), kv[1]))
	}
}

// Records prints a workout table, newest first as given.
func (p *Printer) Records(recs []workout.Record) {
	if len(recs) == 0 {
		p.Muted("No workouts yet.")
		return
	}
	cols := []string{"WHEN", "DURATION", "ORIGIN", "REV", "AUDIO", "ID"}
	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		audio := rec.AudioArtifact
		if audio == "" {
			audio = "-"
		}
		when := rec.OccurredAt.Local().Format("2006-01-02 15:04")
		if rec.Tombstone {
			when += " (deleted)"
		}
		rows = append(rows, []string{
			when,
			FormatDuration(rec.DurationSeconds),
			string(rec.Origin),
			fmt.Sprintf("%d", rec.Revision),
			audio,
			shortID(rec.ID),
		})
	}

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := lipgloss.Width(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	cells := make([]string, len(cols))
	for i, c := range cols {
		cells[i] = p.header.Width(widths[i] + 2).Render(c)
	}
	fmt.Fprintln(p.w, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	for ri, row := range rows {
		style := p.r.NewStyle()
		if recs[ri].Tombstone {
			style = p.muted
		}
		for i, cell := range row {
			cells[i] = style.Width(widths[i] + 2).Render(cell)
		}
		fmt.Fprintln(p.w, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	}
}

// FormatDuration renders seconds as 1h02m03s, 4m05s or 12s.
func FormatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
