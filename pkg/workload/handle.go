//go:build linux || darwin

package workload

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handle owns a launched workload and its process group. Whoever holds the
// handle is responsible for calling Terminate.
type Handle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	clock   clockwork.Clock
	logger  logrus.FieldLogger
}

// Start launches argv in dir as the leader of a new process group.
// The child's stdin, stdout and stderr are attached to the null device.
func Start(argv []string, dir string, logger logrus.FieldLogger, clock clockwork.Clock) (*Handle, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty workload command")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start %s: %w", strings.Join(argv, " "), err)
	}

	h := &Handle{
		cmd:    cmd,
		done:   make(chan struct{}),
		clock:  clock,
		logger: logger.WithField("pid", cmd.Process.Pid),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// PID returns the process id of the launched command.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Running reports whether the launched command has not exited yet.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the launched command has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until exit or ctx is done and returns the exit error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate sends SIGTERM to the process group and, if it is still alive
// after grace, SIGKILL. It returns once the leader has been reaped.
func (h *Handle) Terminate(grace time.Duration) error {
	if !h.Running() {
		return nil
	}

	h.logger.Info("Terminating workload process group")
	if err := h.signalGroup(unix.SIGTERM); err != nil {
		return err
	}

	select {
	case <-h.done:
		return nil
	case <-h.clock.After(grace):
	}

	h.logger.WithField("grace", grace).Warn("Workload ignored SIGTERM, killing")
	if err := h.signalGroup(unix.SIGKILL); err != nil {
		return err
	}
	<-h.done
	return nil
}

func (h *Handle) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-h.cmd.Process.Pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("cannot send %s to process group %d: %w", unix.SignalName(sig), h.cmd.Process.Pid, err)
	}
	return nil
}
