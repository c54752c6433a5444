package discovery

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLister returns ticks[i] on the i-th listing and the last entry afterwards.
type scriptedLister struct {
	mu       sync.Mutex
	ticks    [][]Process
	cmdlines map[int32]string
	calls    int
}

func (s *scriptedLister) Processes(_ context.Context) ([]Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if len(s.ticks) == 0 {
		return nil, nil
	}
	if idx >= len(s.ticks) {
		idx = len(s.ticks) - 1
	}
	return s.ticks[idx], nil
}

func (s *scriptedLister) CommandLine(_ context.Context, pid int32) (string, error) {
	cmd, ok := s.cmdlines[pid]
	if !ok {
		return "", errors.New("no such process")
	}
	return cmd, nil
}

func (s *scriptedLister) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// advanceOnWait moves the fake clock forward every time the discoverer waits.
func advanceOnWait(ctx context.Context, clock *clockwork.FakeClock, step time.Duration) {
	go func() {
		for {
			if err := clock.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			clock.Advance(step)
		}
	}()
}

var benchmarkCriteria = Criteria{
	NamePatterns:   []string{"GradleWorkerMain", "ProfileNettyApache"},
	CommandMarkers: []string{"throughput-benchmark"},
}

func newTestDiscoverer(t *testing.T, lister ProcessLister, observer Observer) *Discoverer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	advanceOnWait(ctx, clock, DefaultPollInterval)

	return New(lister,
		WithClock(clock),
		WithPollInterval(DefaultPollInterval),
		WithObserver(observer),
	)
}

func TestDiscover_NotFoundAfterTimeout(t *testing.T) {
	lister := &scriptedLister{ticks: [][]Process{{{PID: 1, Name: "init"}}}}
	d := newTestDiscoverer(t, lister, nil)

	handle, err := d.Discover(context.Background(), benchmarkCriteria, 2*DefaultPollInterval)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessNotFound))
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, 2*DefaultPollInterval, nf.Timeout)
	assert.Equal(t, TimedOut, handle.State)
	assert.Equal(t, 2, lister.Calls())
}

func TestDiscover_ConfirmedOnSecondTick(t *testing.T) {
	worker := Process{PID: 4242, Name: "GradleWorkerMain"}
	lister := &scriptedLister{
		ticks: [][]Process{
			{{PID: 1, Name: "init"}},
			{{PID: 1, Name: "init"}, worker},
		},
		cmdlines: map[int32]string{4242: "java -cp ktor-throughput-benchmark/build/classes GradleWorkerMain"},
	}

	var states []State
	d := newTestDiscoverer(t, lister, func(s State, _ int32) { states = append(states, s) })

	handle, err := d.Discover(context.Background(), benchmarkCriteria, 2*DefaultPollInterval)

	require.NoError(t, err)
	assert.Equal(t, Handle{PID: 4242, State: Confirmed}, handle)
	assert.Equal(t, 2, lister.Calls())
	assert.Equal(t, []State{Polling, CandidateFound, Confirmed}, states)
}

func TestDiscover_RejectsFalseCandidate(t *testing.T) {
	lister := &scriptedLister{
		ticks: [][]Process{{
			{PID: 10, Name: "GradleWorkerMain"},
			{PID: 20, Name: "ProfileNettyApache"},
		}},
		cmdlines: map[int32]string{
			10: "java -cp other-project.jar GradleWorkerMain",
			20: "java -cp ktor-throughput-benchmark.jar ProfileNettyApache",
		},
	}

	var states []State
	d := newTestDiscoverer(t, lister, func(s State, _ int32) { states = append(states, s) })

	handle, err := d.Discover(context.Background(), benchmarkCriteria, time.Second)

	require.NoError(t, err)
	assert.Equal(t, int32(20), handle.PID)
	assert.Equal(t, []State{Polling, CandidateFound, Polling, CandidateFound, Confirmed}, states)
}

func TestDiscover_OnlyFalseCandidatesTimesOut(t *testing.T) {
	lister := &scriptedLister{
		ticks:    [][]Process{{{PID: 10, Name: "GradleWorkerMain"}}},
		cmdlines: map[int32]string{10: "java GradleWorkerMain unrelated"},
	}
	d := newTestDiscoverer(t, lister, nil)

	_, err := d.Discover(context.Background(), benchmarkCriteria, 3*DefaultPollInterval)

	assert.True(t, errors.Is(err, ErrProcessNotFound))
	assert.Equal(t, 3, lister.Calls())
}

func TestDiscover_UnreadableCommandLineIsSkipped(t *testing.T) {
	lister := &scriptedLister{
		ticks: [][]Process{{
			{PID: 10, Name: "GradleWorkerMain"},
			{PID: 11, Name: "GradleWorkerMain"},
		}},
		cmdlines: map[int32]string{11: "java throughput-benchmark"},
	}
	d := newTestDiscoverer(t, lister, nil)

	handle, err := d.Discover(context.Background(), benchmarkCriteria, time.Second)

	require.NoError(t, err)
	assert.Equal(t, int32(11), handle.PID)
}

func TestDiscover_ContextCanceled(t *testing.T) {
	lister := &scriptedLister{}
	// Real clock, long interval: only cancellation can end the wait.
	d := New(lister, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Discover(ctx, benchmarkCriteria, 2*time.Hour)

	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCriteria(t *testing.T) {
	c := Criteria{NamePatterns: []string{"java"}, CommandMarkers: []string{"bench", ""}}

	assert.True(t, c.MatchName("java"))
	assert.False(t, c.MatchName("python3"))
	assert.True(t, c.MatchCommand("java -jar bench.jar"))
	assert.False(t, c.MatchCommand("java -jar other.jar"))
	assert.False(t, Criteria{}.MatchName("java"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "confirmed", Confirmed.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestParseJPS(t *testing.T) {
	out := bytes.NewBufferString("4242 org.gradle.process.internal.worker.GradleWorkerMain\n17 sun.tools.jps.Jps\n99\nbogus line\n")

	procs := parseJPS(out)

	assert.Equal(t, []Process{
		{PID: 4242, Name: "org.gradle.process.internal.worker.GradleWorkerMain"},
		{PID: 17, Name: "sun.tools.jps.Jps"},
		{PID: 99, Name: ""},
	}, procs)
}

func TestProcessTable_FindsSelf(t *testing.T) {
	ctx := context.Background()
	self := int32(os.Getpid())

	procs, err := ProcessTable{}.Processes(ctx)
	require.NoError(t, err)

	found := false
	for _, p := range procs {
		if p.PID == self {
			found = true
			break
		}
	}
	assert.True(t, found, "own pid not listed")

	cmdline, err := ProcessTable{}.CommandLine(ctx, self)
	require.NoError(t, err)
	assert.NotEmpty(t, cmdline)
}
