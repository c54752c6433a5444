// Package workload launches the Ktor throughput benchmark under Gradle.
package workload

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// Variant selects which benchmark task runs.
type Variant string

const (
	// VariantThroughput runs the Netty server / Apache client request benchmark.
	VariantThroughput Variant = "throughput"
	// VariantBigFile streams one large payload to measure maximum throughput.
	VariantBigFile Variant = "bigfile"
)

const (
	throughputTask = ":ktor-throughput-benchmark:profileNettyApache"
	bigFileTask    = ":ktor-throughput-benchmark:runBigFile"
)

// Spec describes one benchmark launch. Zero-valued optional fields leave
// the benchmark's own defaults in place.
type Spec struct {
	ProjectRoot string
	// Gradle is the wrapper path; defaults to <ProjectRoot>/gradlew.
	Gradle   string
	Variant  Variant
	Warmup   time.Duration
	Duration time.Duration

	PayloadBytes int
	Concurrency  int
	FileSizeMB   int
	// UseMemory serves the big file from a byte array instead of disk.
	UseMemory bool
}

// Task returns the Gradle task path for the variant.
func (s Spec) Task() string {
	if s.Variant == VariantBigFile {
		return bigFileTask
	}
	return throughputTask
}

// Command returns the argv that starts the benchmark.
func (s Spec) Command() []string {
	gradle := s.Gradle
	if gradle == "" {
		gradle = filepath.Join(s.ProjectRoot, "gradlew")
	}

	argv := []string{
		gradle,
		s.Task(),
		sysprop("benchmark.warmup.seconds", strconv.Itoa(int(s.Warmup/time.Second))),
		sysprop("benchmark.duration.seconds", strconv.Itoa(int(s.Duration/time.Second))),
	}

	if s.Variant == VariantBigFile {
		if s.FileSizeMB > 0 {
			argv = append(argv, sysprop("benchmark.filesize.mb", strconv.Itoa(s.FileSizeMB)))
		}
		if s.Concurrency > 0 {
			argv = append(argv, sysprop("benchmark.concurrency", strconv.Itoa(s.Concurrency)))
		}
		if s.UseMemory {
			argv = append(argv, sysprop("benchmark.use.file", "false"))
		}
		return argv
	}

	if s.PayloadBytes > 0 {
		argv = append(argv, sysprop("benchmark.payload.bytes", strconv.Itoa(s.PayloadBytes)))
	}
	if s.Concurrency > 0 {
		argv = append(argv, sysprop("benchmark.concurrency", strconv.Itoa(s.Concurrency)))
	}
	return argv
}

func sysprop(key, value string) string {
	return fmt.Sprintf("-D%s=%s", key, value)
}
