package sampler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/hotprof/pkg/stacks"
)

// Perf samples on-CPU stacks with Linux perf and collapses them itself.
// JVM frames only resolve when the workload exposes a perf map.
type Perf struct {
	path string
	opts options
}

// NewPerf creates a sampler for the perf binary at path.
func NewPerf(path string, opts ...Option) *Perf {
	return &Perf{path: path, opts: newOptions(opts)}
}

// Name returns the backend name.
func (p *Perf) Name() string {
	return string(KindPerf)
}

// Run records req.PID, converts the recording with perf script and writes
// collapsed stacks to req.Output.
func (p *Perf) Run(ctx context.Context, req Request) error {
	if req.Event != "" && req.Event != EventCPU {
		return fmt.Errorf("%w: perf backend only samples %s, got %s", ErrUnsupportedEvent, EventCPU, req.Event)
	}

	tmp, err := os.MkdirTemp("", "hotprof-perf-")
	if err != nil {
		return fmt.Errorf("cannot create perf scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	data := filepath.Join(tmp, "perf.data")

	args := []string{
		"record", "-F", strconv.Itoa(p.opts.frequency),
		"-p", strconv.Itoa(int(req.PID)), "-g",
		"-o", data,
		"--", "sleep", strconv.Itoa(seconds(req.Duration)),
	}
	p.opts.logger.WithFields(logrus.Fields{
		"pid":      req.PID,
		"duration": req.Duration,
	}).Info("Running perf record")

	record := exec.CommandContext(ctx, p.path, args...)
	var stderr bytes.Buffer
	record.Stdout = p.opts.diag
	record.Stderr = &stderr
	if err := record.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return invocationError("perf record", err, stderr.String())
	}

	script := exec.CommandContext(ctx, p.path, "script", "-i", data)
	var scriptOut bytes.Buffer
	stderr.Reset()
	script.Stdout = &scriptOut
	script.Stderr = &stderr
	if err := script.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return invocationError("perf script", err, stderr.String())
	}

	out, err := os.Create(req.Output)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", req.Output, err)
	}
	if err := stacks.CollapsePerf(&scriptOut, out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
