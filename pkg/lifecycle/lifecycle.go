// Package lifecycle sequences a profiling run: launch the workload, discover
// its process, wait out warmup, sample, collect the output and tear down.
//
// Teardown runs exactly once on every path out of Run, including failures
// and context cancellation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/danpilch/hotprof/pkg/debug"
	"github.com/danpilch/hotprof/pkg/discovery"
	"github.com/danpilch/hotprof/pkg/sampler"
	"github.com/danpilch/hotprof/pkg/stacks"
)

const (
	DefaultDiscoveryDelay   = 3 * time.Second
	DefaultDiscoveryTimeout = 60 * time.Second
	DefaultGrace            = 10 * time.Second
)

// ErrWorkloadExited is returned when the workload exits before sampling starts.
var ErrWorkloadExited = errors.New("workload exited before sampling")

// State is the coordinator's position in a run.
type State int

const (
	Idle State = iota
	Launching
	AwaitingDiscovery
	Warmup
	Sampling
	Collecting
	Terminating
	Done
	Failed
)

var stateNames = [...]string{
	Idle:              "idle",
	Launching:         "launching",
	AwaitingDiscovery: "awaiting_discovery",
	Warmup:            "warmup",
	Sampling:          "sampling",
	Collecting:        "collecting",
	Terminating:       "terminating",
	Done:              "done",
	Failed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Workload is a launched external process owned by the coordinator.
type Workload interface {
	PID() int
	// Done is closed when the workload exits.
	Done() <-chan struct{}
	// Terminate stops the workload, escalating to a kill after grace.
	Terminate(grace time.Duration) error
}

// Launcher starts the workload without waiting for it.
type Launcher interface {
	Launch(ctx context.Context) (Workload, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Workload, error)

func (f LauncherFunc) Launch(ctx context.Context) (Workload, error) {
	return f(ctx)
}

// Discoverer locates the workload's process.
type Discoverer interface {
	Discover(ctx context.Context, criteria discovery.Criteria, timeout time.Duration) (discovery.Handle, error)
}

// Config holds the parameters of one run.
type Config struct {
	Criteria         discovery.Criteria
	DiscoveryDelay   time.Duration
	DiscoveryTimeout time.Duration
	Warmup           time.Duration
	SampleDuration   time.Duration
	Grace            time.Duration
	Event            sampler.Event
	Output           string
	Parse            stacks.Options
}

// Result describes a finished run.
type Result struct {
	State  State
	PID    int32
	Output string
	// Corpus holds the collected samples; nil when Empty.
	Corpus *stacks.Corpus
	// Empty is set when the sampler produced no file or no samples.
	Empty   bool
	Timings []debug.StageTiming
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for delays and timings.
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithObserver registers a callback invoked on every state change.
func WithObserver(fn func(State)) Option {
	return func(co *Coordinator) { co.observer = fn }
}

// Coordinator drives one profiling run. It is not reusable.
type Coordinator struct {
	cfg        Config
	launcher   Launcher
	discoverer Discoverer
	sampler    sampler.Sampler

	clock    clockwork.Clock
	logger   logrus.FieldLogger
	observer func(State)

	state State
}

// New creates a coordinator.
func New(cfg Config, launcher Launcher, discoverer Discoverer, s sampler.Sampler, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		launcher:   launcher,
		discoverer: discoverer,
		sampler:    s,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		c.logger = l
	}
	if c.cfg.Grace <= 0 {
		c.cfg.Grace = DefaultGrace
	}
	if c.cfg.DiscoveryTimeout <= 0 {
		c.cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	return c.state
}

// Run executes the run to completion. The returned Result is never nil.
// On cancellation the error is ctx.Err() and teardown has already run.
func (c *Coordinator) Run(ctx context.Context) (res *Result, err error) {
	res = &Result{Output: c.cfg.Output}
	sw := debug.NewStopwatch(c.clock)
	var w Workload

	defer func() {
		c.teardown(w, sw)
		res.Timings = sw.Timings()
		switch {
		case errors.Is(err, context.Canceled):
			c.enter(Failed)
			c.logger.Warn("Profiling run interrupted")
		case err != nil:
			c.enter(Failed)
			c.logger.WithError(err).Error("Profiling run failed")
		default:
			c.enter(Done)
		}
		res.State = c.state
	}()

	err = c.stage(sw, Launching, func() error {
		launched, err := c.launcher.Launch(ctx)
		if err != nil {
			return fmt.Errorf("launch workload: %w", err)
		}
		w = launched
		c.logger.WithField("pid", w.PID()).Info("Workload launched")
		return c.sleep(ctx, w, c.cfg.DiscoveryDelay)
	})
	if err != nil {
		return res, err
	}

	err = c.stage(sw, AwaitingDiscovery, func() error {
		h, err := c.discoverer.Discover(ctx, c.cfg.Criteria, c.cfg.DiscoveryTimeout)
		if err != nil {
			return err
		}
		res.PID = h.PID
		c.logger.WithField("pid", h.PID).Info("Found workload process")
		return nil
	})
	if err != nil {
		return res, err
	}

	err = c.stage(sw, Warmup, func() error {
		c.logger.WithField("warmup", c.cfg.Warmup).Info("Waiting for warmup")
		return c.sleep(ctx, w, c.cfg.Warmup)
	})
	if err != nil {
		return res, err
	}

	err = c.stage(sw, Sampling, func() error {
		return c.sampler.Run(ctx, sampler.Request{
			PID:      res.PID,
			Event:    c.cfg.Event,
			Duration: c.cfg.SampleDuration,
			Output:   c.cfg.Output,
		})
	})
	if err != nil {
		return res, err
	}

	err = c.stage(sw, Collecting, func() error {
		return c.collect(res)
	})
	return res, err
}

func (c *Coordinator) collect(res *Result) error {
	corpus, err := stacks.ParseFile(c.cfg.Output, c.cfg.Parse)
	switch {
	case errors.Is(err, stacks.ErrInputFileNotFound):
		c.logger.WithField("output", c.cfg.Output).Warn("Sampler produced no output file")
		res.Empty = true
		return nil
	case err != nil:
		return fmt.Errorf("collect %s: %w", c.cfg.Output, err)
	}

	if len(corpus.Samples) == 0 {
		c.logger.WithField("output", c.cfg.Output).Warn("Sampler output contains no samples")
		res.Empty = true
		return nil
	}
	res.Corpus = corpus
	c.logger.WithFields(logrus.Fields{
		"samples": len(corpus.Samples),
		"total":   corpus.TotalWeight,
		"skipped": corpus.Skipped,
	}).Info("Collected profile")
	return nil
}

func (c *Coordinator) stage(sw *debug.Stopwatch, state State, fn func() error) error {
	c.enter(state)
	sw.Start(state.String())
	err := fn()
	sw.Stop(err != nil)
	return err
}

// teardown always passes through Terminating. Errors are logged only.
func (c *Coordinator) teardown(w Workload, sw *debug.Stopwatch) {
	c.enter(Terminating)
	sw.Start(Terminating.String())
	defer sw.Stop(false)

	if w == nil {
		return
	}
	if err := w.Terminate(c.cfg.Grace); err != nil {
		c.logger.WithError(err).Warn("Workload teardown failed")
		return
	}
	c.logger.Debug("Workload stopped")
}

// sleep waits d unless ctx is done or the workload exits first.
func (c *Coordinator) sleep(ctx context.Context, w Workload, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.Done():
		return ErrWorkloadExited
	case <-c.clock.After(d):
		return nil
	}
}

func (c *Coordinator) enter(s State) {
	c.logger.WithField("state", s).Debug("Lifecycle transition")
	c.state = s
	if c.observer != nil {
		c.observer(s)
	}
}
