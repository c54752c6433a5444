package sampler

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type options struct {
	logger    logrus.FieldLogger
	diag      io.Writer
	frequency int
}

// Option configures a sampler.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithDiagnostics forwards the tool's own output to w.
func WithDiagnostics(w io.Writer) Option {
	return func(o *options) { o.diag = w }
}

// WithFrequency sets the sampling frequency in Hz for backends that take one.
func WithFrequency(hz int) Option {
	return func(o *options) {
		if hz > 0 {
			o.frequency = hz
		}
	}
}

func newOptions(opts []Option) options {
	o := options{diag: io.Discard, frequency: 99}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		o.logger = l
	}
	return o
}

// AsyncProfiler invokes async-profiler's asprof launcher.
type AsyncProfiler struct {
	path string
	opts options
}

// NewAsyncProfiler creates a sampler for the asprof binary at path.
func NewAsyncProfiler(path string, opts ...Option) *AsyncProfiler {
	return &AsyncProfiler{path: path, opts: newOptions(opts)}
}

// Name returns the backend name.
func (a *AsyncProfiler) Name() string {
	return string(KindAsyncProfiler)
}

// Args returns the asprof arguments for req.
func (a *AsyncProfiler) Args(req Request) []string {
	event := req.Event
	if event == "" {
		event = EventCPU
	}
	return []string{
		"-d", strconv.Itoa(seconds(req.Duration)),
		"-e", string(event),
		"-o", "collapsed",
		"-f", req.Output,
		strconv.Itoa(int(req.PID)),
	}
}

// Run profiles req.PID for req.Duration and writes collapsed stacks to req.Output.
func (a *AsyncProfiler) Run(ctx context.Context, req Request) error {
	args := a.Args(req)
	a.opts.logger.WithFields(logrus.Fields{
		"pid":      req.PID,
		"event":    req.Event,
		"duration": req.Duration,
	}).Infof("Running: %s %s", a.path, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, a.path, args...)
	var stderr bytes.Buffer
	cmd.Stdout = a.opts.diag
	cmd.Stderr = io.MultiWriter(&stderr, a.opts.diag)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return invocationError("asprof", err, stderr.String())
	}
	return nil
}
