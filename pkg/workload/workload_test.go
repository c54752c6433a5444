package workload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpec_ThroughputCommand(t *testing.T) {
	s := Spec{
		ProjectRoot:  "/src/ktor",
		Variant:      VariantThroughput,
		Warmup:       10 * time.Second,
		Duration:     30 * time.Second,
		PayloadBytes: 4096,
		Concurrency:  64,
	}

	assert.Equal(t, []string{
		"/src/ktor/gradlew",
		":ktor-throughput-benchmark:profileNettyApache",
		"-Dbenchmark.warmup.seconds=10",
		"-Dbenchmark.duration.seconds=30",
		"-Dbenchmark.payload.bytes=4096",
		"-Dbenchmark.concurrency=64",
	}, s.Command())
}

func TestSpec_BigFileCommand(t *testing.T) {
	s := Spec{
		ProjectRoot: "/src/ktor",
		Gradle:      "/usr/local/bin/gradle",
		Variant:     VariantBigFile,
		Warmup:      5 * time.Second,
		Duration:    20 * time.Second,
		FileSizeMB:  512,
		UseMemory:   true,
		// Payload only applies to the throughput task.
		PayloadBytes: 1024,
	}

	assert.Equal(t, []string{
		"/usr/local/bin/gradle",
		":ktor-throughput-benchmark:runBigFile",
		"-Dbenchmark.warmup.seconds=5",
		"-Dbenchmark.duration.seconds=20",
		"-Dbenchmark.filesize.mb=512",
		"-Dbenchmark.use.file=false",
	}, s.Command())
}

func TestSpec_OmitsUnsetOptionals(t *testing.T) {
	argv := Spec{ProjectRoot: ".", Warmup: time.Second, Duration: time.Second}.Command()

	assert.Len(t, argv, 4)
	assert.Equal(t, throughputTask, argv[1])
}
