// Package config holds every hotprof option in one explicit struct.
//
// Values are layered: Default, then an optional YAML file, then environment
// overrides, then command line flags. Validate runs once before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danpilch/hotprof/pkg/aggregate"
	"github.com/danpilch/hotprof/pkg/discovery"
	"github.com/danpilch/hotprof/pkg/lifecycle"
	"github.com/danpilch/hotprof/pkg/output"
	"github.com/danpilch/hotprof/pkg/sampler"
	"github.com/danpilch/hotprof/pkg/stacks"
	"github.com/danpilch/hotprof/pkg/workload"
)

// Environment overrides.
const (
	EnvLogLevel    = "HOTPROF_LOG_LEVEL"
	EnvProjectRoot = "HOTPROF_PROJECT_ROOT"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

const (
	// DefaultInput is the analyze input relative to the project root.
	DefaultInput = "build/profile-cpu.collapsed"
	// MinProfileDuration is the floor of the derived profile duration.
	MinProfileDuration = 5 * time.Second
	// KtorPackage is the include filter applied by --ktor-only.
	KtorPackage = "io/ktor"
)

// Config is the complete option set.
type Config struct {
	ProjectRoot string        `yaml:"project_root"`
	Log         LogConfig     `yaml:"log"`
	Analyze     AnalyzeConfig `yaml:"analyze"`
	Profile     ProfileConfig `yaml:"profile"`
}

// LogConfig controls the diagnostic stream.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AnalyzeConfig controls the analysis path.
type AnalyzeConfig struct {
	Input            string               `yaml:"input"`
	Top              int                  `yaml:"top"`
	Mode             string               `yaml:"mode"`
	Include          string               `yaml:"include"`
	Exclude          []string             `yaml:"exclude"`
	PackageDepth     int                  `yaml:"package_depth"`
	PackageSeparator string               `yaml:"package_separator"`
	Separator        string               `yaml:"separator"`
	Strict           bool                 `yaml:"strict"`
	Format           string               `yaml:"format"`
	Summary          bool                 `yaml:"summary"`
	Categories       []aggregate.Category `yaml:"categories"`
	SVG              string               `yaml:"svg"`
	Pprof            string               `yaml:"pprof"`
}

// ProfileConfig controls a profiling run.
type ProfileConfig struct {
	Event    string        `yaml:"event"`
	Warmup   time.Duration `yaml:"warmup"`
	Duration time.Duration `yaml:"duration"`
	// ProfileDuration defaults to Duration minus 5s with a 5s floor.
	ProfileDuration time.Duration `yaml:"profile_duration"`
	Output          string        `yaml:"output"`

	Variant      string `yaml:"variant"`
	Gradle       string `yaml:"gradle"`
	PayloadBytes int    `yaml:"payload_bytes"`
	Concurrency  int    `yaml:"concurrency"`
	FileSizeMB   int    `yaml:"filesize_mb"`
	UseMemory    bool   `yaml:"use_memory"`

	Sampler      string `yaml:"sampler"`
	ProfilerHome string `yaml:"profiler_home"`
	Frequency    int    `yaml:"frequency"`

	Discovery        string        `yaml:"discovery"`
	// NamePatterns and CommandMarkers override DefaultCriteria when set.
	NamePatterns     []string      `yaml:"name_patterns"`
	CommandMarkers   []string      `yaml:"command_markers"`
	DiscoveryDelay   time.Duration `yaml:"discovery_delay"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Grace            time.Duration `yaml:"grace"`

	Timings bool `yaml:"timings"`
	Analyze bool `yaml:"analyze"`
}

// Discovery listers.
const (
	DiscoveryProcTable = "proctable"
	DiscoveryJPS       = "jps"
)

// DefaultCriteria returns the workload match criteria for a discovery lister.
// The process table names a JVM "java", so the benchmark is told apart by
// its command line. The Gradle wrapper client JVM also mentions the
// benchmark task and must not match. jps names JVMs by main class.
func DefaultCriteria(lister string) discovery.Criteria {
	if lister == DiscoveryJPS {
		return discovery.Criteria{
			NamePatterns:   []string{"GradleWorkerMain", "ProfileNettyApache", "ProfileBigFile"},
			CommandMarkers: []string{"throughput-benchmark", "GradleWorkerMain"},
		}
	}
	return discovery.Criteria{
		NamePatterns:   []string{"java"},
		CommandMarkers: []string{"GradleWorkerMain", "ProfileNettyApache", "ProfileBigFile"},
	}
}

// Criteria returns the configured match criteria. Unset fields fall back to
// DefaultCriteria for the configured lister.
func (p ProfileConfig) Criteria() discovery.Criteria {
	c := DefaultCriteria(p.Discovery)
	if len(p.NamePatterns) > 0 {
		c.NamePatterns = p.NamePatterns
	}
	if len(p.CommandMarkers) > 0 {
		c.CommandMarkers = p.CommandMarkers
	}
	return c
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Analyze: AnalyzeConfig{
			Input:            DefaultInput,
			Top:              20,
			Mode:             string(aggregate.ModeSelf),
			PackageDepth:     aggregate.DefaultPackageDepth,
			PackageSeparator: aggregate.DefaultPackageSeparator,
			Separator:        stacks.DefaultSeparator,
			Format:           string(output.FormatTable),
			Categories:       aggregate.DefaultCategories(),
		},
		Profile: ProfileConfig{
			Event:            string(sampler.EventCPU),
			Warmup:           10 * time.Second,
			Duration:         30 * time.Second,
			Variant:          string(workload.VariantThroughput),
			Sampler:          string(sampler.KindAsyncProfiler),
			Frequency:        99,
			Discovery:        DiscoveryProcTable,
			DiscoveryDelay:   lifecycle.DefaultDiscoveryDelay,
			DiscoveryTimeout: lifecycle.DefaultDiscoveryTimeout,
			PollInterval:     discovery.DefaultPollInterval,
			Grace:            lifecycle.DefaultGrace,
		},
	}
}

// Load returns Default overlaid with the YAML file at path, if path is set.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(sampler.HomeEnv); v != "" {
		c.Profile.ProfilerHome = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := getenv(EnvProjectRoot); v != "" {
		c.ProjectRoot = v
	}
}

// EffectiveProfileDuration returns the sampling duration of a run.
func (p ProfileConfig) EffectiveProfileDuration() time.Duration {
	if p.ProfileDuration > 0 {
		return p.ProfileDuration
	}
	d := p.Duration - 5*time.Second
	if d < MinProfileDuration {
		d = MinProfileDuration
	}
	return d
}

// OutputPath returns the collapsed output path of a run, relative paths
// resolved against root.
func (p ProfileConfig) OutputPath(root string) string {
	out := p.Output
	if out == "" {
		out = filepath.Join("build", fmt.Sprintf("profile-%s.collapsed", p.Event))
	}
	return resolve(root, out)
}

// InputPath returns the analyze input, relative paths resolved against root.
func (a AnalyzeConfig) InputPath(root string) string {
	in := a.Input
	if in == "" {
		in = DefaultInput
	}
	return resolve(root, in)
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) || root == "" {
		return path
	}
	return filepath.Join(root, path)
}

// Validate checks every field once. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		invalid("log format %q (want text or json)", c.Log.Format)
	}

	a := c.Analyze
	if _, err := aggregate.ParseMode(a.Mode); err != nil {
		invalid("%v", err)
	}
	if _, err := output.ParseFormat(a.Format); err != nil {
		invalid("%v", err)
	}
	if a.Top < 0 {
		invalid("top must not be negative, got %d", a.Top)
	}
	if a.PackageDepth < 1 {
		invalid("package depth must be at least 1, got %d", a.PackageDepth)
	}
	if a.Separator == "" {
		invalid("stack separator must not be empty")
	}
	if a.PackageSeparator == "" {
		invalid("package separator must not be empty")
	}

	p := c.Profile
	if _, err := sampler.ParseEvent(p.Event); err != nil {
		invalid("%v", err)
	}
	switch sampler.Kind(p.Sampler) {
	case sampler.KindAsyncProfiler, sampler.KindPerf:
	default:
		invalid("sampler %q (want asprof or perf)", p.Sampler)
	}
	if sampler.Kind(p.Sampler) == sampler.KindPerf && p.Event != string(sampler.EventCPU) {
		invalid("perf sampler only supports the cpu event, got %s", p.Event)
	}
	switch p.Discovery {
	case DiscoveryProcTable, DiscoveryJPS:
	default:
		invalid("discovery %q (want proctable or jps)", p.Discovery)
	}
	switch workload.Variant(p.Variant) {
	case workload.VariantThroughput, workload.VariantBigFile:
	default:
		invalid("workload variant %q (want throughput or bigfile)", p.Variant)
	}
	if p.Warmup < 0 {
		invalid("warmup must not be negative, got %s", p.Warmup)
	}
	if p.Duration <= 0 {
		invalid("duration must be positive, got %s", p.Duration)
	}
	if p.ProfileDuration < 0 {
		invalid("profile duration must not be negative, got %s", p.ProfileDuration)
	}
	if p.DiscoveryTimeout <= 0 {
		invalid("discovery timeout must be positive, got %s", p.DiscoveryTimeout)
	}
	if p.PollInterval <= 0 {
		invalid("poll interval must be positive, got %s", p.PollInterval)
	}
	if p.Grace <= 0 {
		invalid("grace period must be positive, got %s", p.Grace)
	}
	if p.PayloadBytes < 0 || p.Concurrency < 0 || p.FileSizeMB < 0 {
		invalid("payload, concurrency and file size must not be negative")
	}

	return errors.Join(errs...)
}
