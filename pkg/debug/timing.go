// Package debug provides instrumentation for hotprof runs.
package debug

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/jonboulle/clockwork"
)

// StageTiming records how long one lifecycle stage took.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Failed   bool          `json:"failed,omitempty"`
}

// Stopwatch accumulates stage timings in the order stages finish.
type Stopwatch struct {
	clock   clockwork.Clock
	stage   string
	started time.Time
	timings []StageTiming
}

// NewStopwatch creates a stopwatch reading the given clock.
func NewStopwatch(clock clockwork.Clock) *Stopwatch {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Stopwatch{clock: clock}
}

// Start closes the running stage, if any, and opens a new one.
func (s *Stopwatch) Start(stage string) {
	s.stop(false)
	s.stage = stage
	s.started = s.clock.Now()
}

// Stop closes the running stage. failed marks it as the stage that failed.
func (s *Stopwatch) Stop(failed bool) {
	s.stop(failed)
}

func (s *Stopwatch) stop(failed bool) {
	if s.stage == "" {
		return
	}
	s.timings = append(s.timings, StageTiming{
		Stage:    s.stage,
		Duration: s.clock.Since(s.started),
		Failed:   failed,
	})
	s.stage = ""
}

// Timings returns a copy of the recorded timings.
func (s *Stopwatch) Timings() []StageTiming {
	out := make([]StageTiming, len(s.timings))
	copy(out, s.timings)
	return out
}

// Total sums the durations of all timings.
func Total(timings []StageTiming) time.Duration {
	var total time.Duration
	for _, t := range timings {
		total += t.Duration
	}
	return total
}

// TimingReport prints a styled per-stage timing table.
func TimingReport(w io.Writer, timings []StageTiming) {
	r := lipgloss.NewRenderer(w)
	title := r.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	header := r.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)
	failed := r.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("9"))

	rows := make([][]string, 0, len(timings)+1)
	for _, t := range timings {
		name := t.Stage
		if t.Failed {
			name += " (failed)"
		}
		rows = append(rows, []string{name, t.Duration.Round(time.Millisecond).String()})
	}
	rows = append(rows, []string{"TOTAL", Total(timings).Round(time.Millisecond).String()})

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case row < len(timings) && timings[row].Failed:
				return failed
			}
			return cell
		}).
		Headers("STAGE", "DURATION").
		Rows(rows...)

	fmt.Fprintln(w)
	fmt.Fprintln(w, title.Render("Stage Timing Report"))
	fmt.Fprintln(w, tbl)
}
