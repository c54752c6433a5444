package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danpilch/hotprof/pkg/aggregate"
	"github.com/danpilch/hotprof/pkg/config"
	"github.com/danpilch/hotprof/pkg/flamegraph"
	"github.com/danpilch/hotprof/pkg/output"
	"github.com/danpilch/hotprof/pkg/pprofexport"
	"github.com/danpilch/hotprof/pkg/stacks"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	def := config.Default().Analyze
	var (
		top              int
		include          string
		exclude          []string
		byClass          bool
		byPackage        bool
		totalTime        bool
		packageDepth     int
		packageSeparator string
		ktorOnly         bool
		summary          bool
		separator        string
		strict           bool
		format           string
		svgPath          string
		pprofPath        string
	)

	cmd := &cobra.Command{
		Use:   "analyze [input]",
		Short: "Rank hotspots in a collapsed stack file",
		Long: `Rank hotspots in a collapsed stack file produced by async-profiler.

Self time attributes each sample to its leaf frame. Total time attributes it
to every distinct frame on the stack. Class and package views aggregate total
time after mapping each frame to its class or its package prefix.

Examples:
  # Top 20 methods by self time
  hotprof analyze

  # Ktor classes only, with a component breakdown
  hotprof analyze --by-class --ktor-only --summary

  # Packages, excluding JDK and Kotlin frames
  hotprof analyze --by-package --package-depth 4 -e java/,kotlin/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			flags := cmd.Flags()
			whenSet(flags, "top", func() { cfg.Analyze.Top = top })
			whenSet(flags, "filter", func() { cfg.Analyze.Include = include })
			whenSet(flags, "exclude", func() { cfg.Analyze.Exclude = trimAll(exclude) })
			whenSet(flags, "package-depth", func() { cfg.Analyze.PackageDepth = packageDepth })
			whenSet(flags, "package-separator", func() { cfg.Analyze.PackageSeparator = packageSeparator })
			whenSet(flags, "summary", func() { cfg.Analyze.Summary = summary })
			whenSet(flags, "separator", func() { cfg.Analyze.Separator = separator })
			whenSet(flags, "strict", func() { cfg.Analyze.Strict = strict })
			whenSet(flags, "format", func() { cfg.Analyze.Format = format })
			whenSet(flags, "svg", func() { cfg.Analyze.SVG = svgPath })
			whenSet(flags, "pprof", func() { cfg.Analyze.Pprof = pprofPath })
			if ktorOnly {
				cfg.Analyze.Include = config.KtorPackage
			}
			if mode, ok := modeFromFlags(byPackage, byClass, totalTime); ok {
				cfg.Analyze.Mode = string(mode)
			}
			if len(args) == 1 {
				cfg.Analyze.Input = args[0]
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			input := cfg.Analyze.InputPath(cfg.ProjectRoot)
			a.logger.WithField("input", input).Info("Reading collapsed stacks")
			corpus, err := stacks.ParseFile(input, stacks.Options{
				Separator: cfg.Analyze.Separator,
				Strict:    cfg.Analyze.Strict,
			})
			if errors.Is(err, stacks.ErrInputFileNotFound) {
				return fmt.Errorf("%w (run 'hotprof profile' first)", err)
			}
			if err != nil {
				return err
			}
			logCorpus(a.logger, corpus)

			return analyze(a.stdout, a.logger, corpus, cfg.Analyze, "")
		},
	}

	f := cmd.Flags()
	f.IntVarP(&top, "top", "n", def.Top, "Number of hotspots to show (0 for all)")
	f.StringVarP(&include, "filter", "f", "", "Only count labels containing this substring")
	f.StringSliceVarP(&exclude, "exclude", "e", nil, "Comma-separated substrings of labels to drop")
	f.BoolVar(&byClass, "by-class", false, "Aggregate total time by class")
	f.BoolVar(&byPackage, "by-package", false, "Aggregate total time by package")
	f.IntVar(&packageDepth, "package-depth", def.PackageDepth, "Package segments kept by --by-package")
	f.StringVar(&packageSeparator, "package-separator", def.PackageSeparator, "Separator between package segments of a frame")
	f.BoolVar(&totalTime, "total-time", false, "Aggregate by method including callees")
	f.BoolVar(&ktorOnly, "ktor-only", false, "Only count Ktor frames (filter "+config.KtorPackage+")")
	f.BoolVar(&summary, "summary", false, "Print a component breakdown before the hotspots")
	f.StringVar(&separator, "separator", def.Separator, "Frame separator of the input")
	f.BoolVar(&strict, "strict", false, "Fail on malformed lines instead of skipping them")
	f.StringVar(&format, "format", def.Format, "Output format: table, tsv, json")
	f.StringVar(&svgPath, "svg", "", "Also write a flame graph SVG to this path")
	f.StringVar(&pprofPath, "pprof", "", "Also write a gzipped pprof profile to this path")

	return cmd
}

// modeFromFlags applies the precedence package > class > total > self.
// ok is false when no mode flag was given.
func modeFromFlags(byPackage, byClass, totalTime bool) (aggregate.Mode, bool) {
	switch {
	case byPackage:
		return aggregate.ModePackage, true
	case byClass:
		return aggregate.ModeClass, true
	case totalTime:
		return aggregate.ModeTotal, true
	default:
		return aggregate.ModeSelf, false
	}
}

// analyze renders the breakdown and hotspot reports for corpus and writes
// the optional SVG and pprof artifacts. event labels those artifacts.
func analyze(w io.Writer, logger logrus.FieldLogger, corpus *stacks.Corpus, cfg config.AnalyzeConfig, event string) error {
	format, err := output.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	mode, err := aggregate.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	var breakdown *output.Report
	if cfg.Summary {
		b := output.BreakdownReport(aggregate.Breakdown(corpus, cfg.Categories), corpus.TotalWeight)
		breakdown = &b
	}

	opts := aggregate.Options{
		Mode:             mode,
		Include:          cfg.Include,
		Exclude:          cfg.Exclude,
		PackageDepth:     cfg.PackageDepth,
		PackageSeparator: cfg.PackageSeparator,
	}
	hotspots := output.Report{
		Title:  aggregate.Title(opts),
		Result: aggregate.Aggregate(corpus, opts),
		Total:  corpus.TotalWeight,
		TopN:   cfg.Top,
	}
	if err := output.NewFormatter(format, w).Render(hotspots, breakdown); err != nil {
		return err
	}

	return writeArtifacts(logger, corpus, cfg, event)
}

// writeArtifacts writes the optional flame graph and pprof files in parallel.
// Both only read the corpus.
func writeArtifacts(logger logrus.FieldLogger, corpus *stacks.Corpus, cfg config.AnalyzeConfig, event string) error {
	var g errgroup.Group
	if cfg.SVG != "" {
		g.Go(func() error {
			if err := writeFlameGraph(cfg.SVG, corpus, event); err != nil {
				return err
			}
			logger.WithField("path", cfg.SVG).Info("Wrote flame graph")
			return nil
		})
	}
	if cfg.Pprof != "" {
		g.Go(func() error {
			if err := pprofexport.WriteFile(cfg.Pprof, corpus, pprofexport.Options{Event: event}); err != nil {
				return err
			}
			logger.WithField("path", cfg.Pprof).Info("Wrote pprof profile")
			return nil
		})
	}
	return g.Wait()
}

func writeFlameGraph(path string, corpus *stacks.Corpus, event string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	opts := flamegraph.DefaultOptions()
	if event != "" {
		opts.Title = fmt.Sprintf("Flame Graph (%s)", event)
		opts.Scheme = flamegraph.SchemeFor(event)
	}
	if err := flamegraph.Render(out, corpus, opts); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func logCorpus(logger logrus.FieldLogger, corpus *stacks.Corpus) {
	entry := logger.WithFields(logrus.Fields{
		"stacks":  len(corpus.Samples),
		"samples": corpus.TotalWeight,
	})
	if corpus.Skipped > 0 {
		entry.WithField("skipped", corpus.Skipped).Warn("Skipped malformed lines")
		return
	}
	entry.Info("Parsed collapsed stacks")
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
