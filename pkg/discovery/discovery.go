// Package discovery finds the OS process of a launched workload.
//
// Discovery polls a ProcessLister at a fixed interval. A listed process is a
// candidate when its name matches one of the name patterns; the candidate is
// confirmed only when its full command line also contains a command marker.
// The second stage rejects unrelated processes that share a generic runner
// name such as "java".
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the delay between two process table scans.
const DefaultPollInterval = 500 * time.Millisecond

// ErrProcessNotFound is wrapped by NotFoundError.
var ErrProcessNotFound = errors.New("process not found")

// NotFoundError reports that no process matched before the timeout elapsed.
type NotFoundError struct {
	Timeout time.Duration
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workload process not found within %s", e.Timeout)
}

func (e *NotFoundError) Unwrap() error {
	return ErrProcessNotFound
}

// State is the discovery state of a Handle.
type State int

const (
	Polling State = iota
	CandidateFound
	Confirmed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case CandidateFound:
		return "candidate_found"
	case Confirmed:
		return "confirmed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle identifies a discovered process.
type Handle struct {
	PID   int32
	State State
}

// Process is one entry of a process listing.
type Process struct {
	PID  int32
	Name string
}

// ProcessLister abstracts the OS process table.
type ProcessLister interface {
	// Processes lists running processes with a short name each.
	Processes(ctx context.Context) ([]Process, error)
	// CommandLine returns the full command line of pid.
	CommandLine(ctx context.Context, pid int32) (string, error)
}

// Criteria selects the workload process.
type Criteria struct {
	// NamePatterns are substrings tested against the listed process name.
	NamePatterns []string `yaml:"name_patterns"`
	// CommandMarkers are substrings of which the command line must contain one.
	CommandMarkers []string `yaml:"command_markers"`
}

// MatchName reports whether name contains any name pattern.
func (c Criteria) MatchName(name string) bool {
	return containsAny(name, c.NamePatterns)
}

// MatchCommand reports whether cmdline contains any command marker.
func (c Criteria) MatchCommand(cmdline string) bool {
	return containsAny(cmdline, c.CommandMarkers)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Observer is notified of every state transition.
type Observer func(state State, pid int32)

// Discoverer polls for a process matching Criteria.
type Discoverer struct {
	lister   ProcessLister
	clock    clockwork.Clock
	interval time.Duration
	logger   logrus.FieldLogger
	observer Observer
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithClock replaces the real clock, typically with a clockwork.FakeClock.
func WithClock(c clockwork.Clock) Option {
	return func(d *Discoverer) { d.clock = c }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Discoverer) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Discoverer) { d.logger = l }
}

// WithObserver registers a state transition callback.
func WithObserver(o Observer) Option {
	return func(d *Discoverer) { d.observer = o }
}

// New creates a Discoverer backed by lister.
func New(lister ProcessLister, opts ...Option) *Discoverer {
	d := &Discoverer{
		lister:   lister,
		clock:    clockwork.NewRealClock(),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		d.logger = l
	}
	return d
}

// Discover polls until a process satisfies criteria or timeout elapses.
// It returns a Confirmed handle, a *NotFoundError, or the context error.
func (d *Discoverer) Discover(ctx context.Context, criteria Criteria, timeout time.Duration) (Handle, error) {
	start := d.clock.Now()
	d.transition(Polling, 0)

	for d.clock.Since(start) < timeout {
		if pid, ok := d.poll(ctx, criteria); ok {
			d.transition(Confirmed, pid)
			return Handle{PID: pid, State: Confirmed}, nil
		}

		select {
		case <-ctx.Done():
			return Handle{State: Polling}, ctx.Err()
		case <-d.clock.After(d.interval):
		}
	}

	d.transition(TimedOut, 0)
	return Handle{State: TimedOut}, &NotFoundError{Timeout: timeout}
}

// poll performs one scan of the process table.
func (d *Discoverer) poll(ctx context.Context, criteria Criteria) (int32, bool) {
	procs, err := d.lister.Processes(ctx)
	if err != nil {
		d.logger.WithError(err).Debug("Process listing failed")
		return 0, false
	}

	for _, p := range procs {
		if !criteria.MatchName(p.Name) {
			continue
		}
		d.transition(CandidateFound, p.PID)

		cmdline, err := d.lister.CommandLine(ctx, p.PID)
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"pid":   p.PID,
				"error": err,
			}).Debug("Cannot read candidate command line")
			d.transition(Polling, 0)
			continue
		}
		if criteria.MatchCommand(cmdline) {
			return p.PID, true
		}

		d.logger.WithFields(logrus.Fields{
			"pid":  p.PID,
			"name": p.Name,
		}).Debug("Rejected candidate")
		d.transition(Polling, 0)
	}
	return 0, false
}

func (d *Discoverer) transition(state State, pid int32) {
	if d.observer != nil {
		d.observer(state, pid)
	}
}
