package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danpilch/hotprof/pkg/aggregate"
	"github.com/danpilch/hotprof/pkg/config"
	"github.com/danpilch/hotprof/pkg/debug"
	"github.com/danpilch/hotprof/pkg/discovery"
	"github.com/danpilch/hotprof/pkg/lifecycle"
	"github.com/danpilch/hotprof/pkg/sampler"
	"github.com/danpilch/hotprof/pkg/stacks"
	"github.com/danpilch/hotprof/pkg/workload"
)

func newProfileCmd(a *app) *cobra.Command {
	def := config.Default().Profile
	var (
		alloc            bool
		wall             bool
		warmup           int
		duration         int
		profileDuration  int
		outputPath       string
		payload          int
		concurrency      int
		bigFile          bool
		fileSize         int
		useMemory        bool
		samplerKind      string
		frequency        int
		discoveryKind    string
		discoveryTimeout time.Duration
		grace            time.Duration
		timings          bool
		analyzeAfter     bool
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Run the throughput benchmark under a sampling profiler",
		Long: `Launch the Ktor throughput benchmark through Gradle, find its JVM, wait
for warmup, sample it with async-profiler and print the collapsed stacks.

Collapsed stacks go to stdout; progress goes to stderr. The benchmark is
always stopped before hotprof exits, including on Ctrl-C.

Examples:
  # CPU profile of the default Netty/Apache benchmark
  hotprof profile > cpu.collapsed

  # Allocation profile with a longer run
  hotprof profile --alloc --warmup 15 --duration 60

  # Big file transfer from memory, then rank hotspots
  hotprof profile --bigfile --filesize 500 --use-memory --analyze`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			p := &cfg.Profile
			flags := cmd.Flags()
			if alloc {
				p.Event = string(sampler.EventAlloc)
			}
			if wall {
				p.Event = string(sampler.EventWall)
			}
			if bigFile {
				p.Variant = string(workload.VariantBigFile)
			}
			whenSet(flags, "warmup", func() { p.Warmup = seconds(warmup) })
			whenSet(flags, "duration", func() { p.Duration = seconds(duration) })
			whenSet(flags, "profile-duration", func() { p.ProfileDuration = seconds(profileDuration) })
			whenSet(flags, "output", func() { p.Output = outputPath })
			whenSet(flags, "payload", func() { p.PayloadBytes = payload })
			whenSet(flags, "concurrency", func() { p.Concurrency = concurrency })
			whenSet(flags, "filesize", func() { p.FileSizeMB = fileSize })
			whenSet(flags, "use-memory", func() { p.UseMemory = useMemory })
			whenSet(flags, "sampler", func() { p.Sampler = samplerKind })
			whenSet(flags, "frequency", func() { p.Frequency = frequency })
			whenSet(flags, "discovery", func() { p.Discovery = discoveryKind })
			whenSet(flags, "discovery-timeout", func() { p.DiscoveryTimeout = discoveryTimeout })
			whenSet(flags, "grace", func() { p.Grace = grace })
			whenSet(flags, "timings", func() { p.Timings = timings })
			whenSet(flags, "analyze", func() { p.Analyze = analyzeAfter })
			if err := cfg.Validate(); err != nil {
				return err
			}

			return a.profile(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&alloc, "alloc", false, "Profile allocations instead of CPU")
	f.BoolVar(&wall, "wall", false, "Profile wall-clock time instead of CPU")
	cmd.MarkFlagsMutuallyExclusive("alloc", "wall")
	f.IntVar(&warmup, "warmup", int(def.Warmup/time.Second), "Benchmark warmup in seconds")
	f.IntVar(&duration, "duration", int(def.Duration/time.Second), "Benchmark duration in seconds")
	f.IntVar(&profileDuration, "profile-duration", 0, "Sampling duration in seconds (default: duration-5, at least 5)")
	f.StringVarP(&outputPath, "output", "o", "", "Collapsed output file (default: build/profile-<event>.collapsed)")
	f.IntVar(&payload, "payload", 0, "Payload size in bytes")
	f.IntVar(&concurrency, "concurrency", 0, "Concurrent client coroutines")
	f.BoolVar(&bigFile, "bigfile", false, "Run the big file transfer benchmark")
	f.IntVar(&fileSize, "filesize", 0, "File size in MB for --bigfile")
	f.BoolVar(&useMemory, "use-memory", false, "Serve the big file from memory instead of disk")
	f.StringVar(&samplerKind, "sampler", def.Sampler, "Sampler backend: asprof, perf")
	f.IntVar(&frequency, "frequency", def.Frequency, "Sampling frequency in Hz for perf")
	f.StringVar(&discoveryKind, "discovery", def.Discovery, "Process discovery: proctable, jps")
	f.DurationVar(&discoveryTimeout, "discovery-timeout", def.DiscoveryTimeout, "Give up finding the benchmark JVM after this long")
	f.DurationVar(&grace, "grace", def.Grace, "Wait this long after SIGTERM before killing the benchmark")
	f.BoolVar(&timings, "timings", false, "Print per-stage timings to stderr")
	f.BoolVar(&analyzeAfter, "analyze", false, "Print a self-time hotspot table to stderr after collection")

	return cmd
}

// profile runs one lifecycle and reports its result.
func (a *app) profile(ctx context.Context, cfg *config.Config) error {
	p := cfg.Profile
	logger := a.logger.WithField("run_id", uuid.NewString())

	out := p.OutputPath(cfg.ProjectRoot)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("cannot create output directory: %w", err)
	}

	home, _ := os.UserHomeDir()
	loc := sampler.Locator{
		LookPath:     exec.LookPath,
		UserHome:     home,
		ProfilerHome: p.ProfilerHome,
	}
	s, err := sampler.New(sampler.Kind(p.Sampler), loc,
		sampler.WithLogger(logger),
		sampler.WithDiagnostics(a.stderr),
		sampler.WithFrequency(p.Frequency),
	)
	if err != nil {
		return err
	}

	spec := workload.Spec{
		ProjectRoot:  cfg.ProjectRoot,
		Gradle:       p.Gradle,
		Variant:      workload.Variant(p.Variant),
		Warmup:       p.Warmup,
		Duration:     p.Duration,
		PayloadBytes: p.PayloadBytes,
		Concurrency:  p.Concurrency,
		FileSizeMB:   p.FileSizeMB,
		UseMemory:    p.UseMemory,
	}
	logger.WithFields(logrus.Fields{
		"project_root": cfg.ProjectRoot,
		"sampler":      s.Name(),
		"event":        p.Event,
	}).Info("Starting profiling run")

	launcher := lifecycle.LauncherFunc(func(context.Context) (lifecycle.Workload, error) {
		argv := spec.Command()
		logger.Infof("Starting benchmark: %s", strings.Join(argv, " "))
		h, err := workload.Start(argv, spec.ProjectRoot, logger, nil)
		if err != nil {
			return nil, err
		}
		return h, nil
	})

	d := discovery.New(newLister(p.Discovery),
		discovery.WithPollInterval(p.PollInterval),
		discovery.WithLogger(logger),
		discovery.WithObserver(func(state discovery.State, pid int32) {
			logger.WithFields(logrus.Fields{"state": state, "pid": pid}).Debug("Discovery transition")
		}),
	)

	c := lifecycle.New(lifecycle.Config{
		Criteria:         p.Criteria(),
		DiscoveryDelay:   p.DiscoveryDelay,
		DiscoveryTimeout: p.DiscoveryTimeout,
		Warmup:           p.Warmup,
		SampleDuration:   p.EffectiveProfileDuration(),
		Grace:            p.Grace,
		Event:            sampler.Event(p.Event),
		Output:           out,
		Parse:            stacks.DefaultOptions(),
	}, launcher, d, s, lifecycle.WithLogger(logger))

	res, err := c.Run(ctx)
	if p.Timings {
		debug.TimingReport(a.stderr, res.Timings)
	}
	if err != nil {
		return err
	}
	if res.Empty {
		logger.Warn("No profile output generated")
		return nil
	}

	if err := copyFile(a.stdout, out); err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "\nProfile saved to: %s\n", out)
	fmt.Fprintf(a.stderr, "To rank hotspots or render a flame graph:\n  hotprof analyze %s --svg profile.svg\n", out)

	if p.Analyze {
		ac := cfg.Analyze
		ac.Mode = string(aggregate.ModeSelf)
		ac.SVG, ac.Pprof = "", ""
		return analyze(a.stderr, logger, res.Corpus, ac, p.Event)
	}
	return nil
}

func newLister(kind string) discovery.ProcessLister {
	if kind == config.DiscoveryJPS {
		return discovery.JPS{}
	}
	return discovery.ProcessTable{}
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot read profile: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("cannot write profile: %w", err)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
