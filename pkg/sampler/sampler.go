// Package sampler drives an external sampling profiler against a running process.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrToolNotFound means no sampler binary was found in any lookup location.
	ErrToolNotFound = errors.New("sampler not found")

	// ErrInvocationFailed is wrapped by InvocationError.
	ErrInvocationFailed = errors.New("sampler invocation failed")

	// ErrUnsupportedEvent is returned when a backend cannot sample an event kind.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Event is the kind of samples to collect.
type Event string

const (
	EventCPU   Event = "cpu"
	EventAlloc Event = "alloc"
	EventWall  Event = "wall"
)

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, error) {
	switch e := Event(strings.ToLower(s)); e {
	case EventCPU, EventAlloc, EventWall:
		return e, nil
	case "":
		return EventCPU, nil
	default:
		return "", fmt.Errorf("%w: %q (want cpu, alloc or wall)", ErrUnsupportedEvent, s)
	}
}

// InvocationError reports a non-zero exit of the sampler.
type InvocationError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return ErrInvocationFailed
}

// Request describes one bounded sampling run.
type Request struct {
	PID      int32
	Event    Event
	Duration time.Duration
	// Output receives collapsed stack text.
	Output string
}

// Sampler runs one synchronous, non-retried sampling session.
type Sampler interface {
	Name() string
	Run(ctx context.Context, req Request) error
}

// Kind selects a sampler backend.
type Kind string

const (
	KindAsyncProfiler Kind = "asprof"
	KindPerf          Kind = "perf"
)

// New locates the binary for kind and returns its sampler.
func New(kind Kind, loc Locator, opts ...Option) (Sampler, error) {
	switch kind {
	case KindAsyncProfiler, "":
		path, err := loc.AsyncProfiler()
		if err != nil {
			return nil, err
		}
		return NewAsyncProfiler(path, opts...), nil
	case KindPerf:
		path, err := loc.Perf()
		if err != nil {
			return nil, err
		}
		return NewPerf(path, opts...), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q (want asprof or perf)", kind)
	}
}

// seconds rounds d down to whole seconds with a floor of one.
func seconds(d time.Duration) int {
	sec := int(d / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

func invocationError(tool string, err error, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &InvocationError{Tool: tool, ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr)}
	}
	return fmt.Errorf("%w: %s: %v", ErrInvocationFailed, tool, err)
}
