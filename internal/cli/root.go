// Package cli wires hotprof's cobra commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/danpilch/hotprof/pkg/config"
	"github.com/danpilch/hotprof/pkg/debug"
	"github.com/danpilch/hotprof/pkg/logging"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// projectMarker identifies the Ktor checkout root.
const projectMarker = "settings.gradle.kts"

// app is the state shared by all subcommands after PersistentPreRunE.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	getwd  func() (string, error)

	configPath  string
	logLevel    string
	logFormat   string
	projectRoot string
	pprofAddr   string

	cfg       *config.Config
	logger    *logrus.Logger
	stopPprof func()
}

// newRoot builds the command tree writing reports to stdout and
// diagnostics to stderr.
func newRoot(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{
		stdout: stdout,
		stderr: stderr,
		getenv: os.Getenv,
		getwd:  os.Getwd,
	}

	cmd := &cobra.Command{
		Use:   "hotprof",
		Short: "Profile the Ktor throughput benchmark and rank stack hotspots",
		Long: `hotprof drives async-profiler (or perf) against the Ktor throughput
benchmark and turns the collapsed stacks it captures into hotspot rankings.

  hotprof profile            launch the benchmark, sample it, print collapsed stacks
  hotprof analyze [file]     rank hotspots in a previously captured file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Flags())
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "text", "Log format: text, json")
	pf.StringVar(&a.projectRoot, "project-root", "", "Ktor checkout (default: nearest ancestor with "+projectMarker+")")
	pf.StringVar(&a.pprofAddr, "debug-pprof", "", "Serve hotprof's own pprof endpoints on this address")
	_ = pf.MarkHidden("debug-pprof")

	cmd.AddCommand(newAnalyzeCmd(a))
	cmd.AddCommand(newProfileCmd(a))
	return cmd, a
}

// Execute runs hotprof with os.Args. Cancelling ctx interrupts a run.
func Execute(ctx context.Context) error {
	return run(ctx, os.Stdout, os.Stderr, os.Args[1:])
}

// run executes one command and releases what setup acquired, whether or not
// the command failed.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	cmd, a := newRoot(stdout, stderr)
	defer a.close()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func (a *app) close() {
	if a.stopPprof != nil {
		a.stopPprof()
		a.stopPprof = nil
	}
}

// setup layers defaults, the config file, the environment and global flags.
func (a *app) setup(flags *pflag.FlagSet) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(a.getenv)

	whenSet(flags, "log-level", func() { cfg.Log.Level = a.logLevel })
	whenSet(flags, "log-format", func() { cfg.Log.Format = a.logFormat })
	whenSet(flags, "project-root", func() { cfg.ProjectRoot = a.projectRoot })

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: a.stderr})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	if cfg.ProjectRoot == "" {
		wd, err := a.getwd()
		if err != nil {
			return fmt.Errorf("cannot determine working directory: %w", err)
		}
		cfg.ProjectRoot = FindProjectRoot(wd)
	}

	if a.pprofAddr != "" {
		srv, err := debug.StartPprofServer(a.pprofAddr, logger)
		if err != nil {
			return err
		}
		a.stopPprof = srv.Stop
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// FindProjectRoot returns the nearest ancestor of dir containing
// settings.gradle.kts, or dir itself when there is none.
func FindProjectRoot(dir string) string {
	for current := dir; ; {
		if _, err := os.Stat(filepath.Join(current, projectMarker)); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return dir
		}
		current = parent
	}
}

// whenSet runs apply only if the user passed the flag explicitly, so that
// flag defaults never override config file values.
func whenSet(flags *pflag.FlagSet, name string, apply func()) {
	if flags.Changed(name) {
		apply()
	}
}
