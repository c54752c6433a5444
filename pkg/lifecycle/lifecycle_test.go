package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpilch/hotprof/pkg/discovery"
	"github.com/danpilch/hotprof/pkg/sampler"
	"github.com/danpilch/hotprof/pkg/stacks"
)

type fakeWorkload struct {
	mu           sync.Mutex
	pid          int
	done         chan struct{}
	terminations int
	grace        time.Duration
	err          error
}

func newFakeWorkload() *fakeWorkload {
	return &fakeWorkload{pid: 4100, done: make(chan struct{})}
}

func (w *fakeWorkload) PID() int              { return w.pid }
func (w *fakeWorkload) Done() <-chan struct{} { return w.done }

func (w *fakeWorkload) Terminate(grace time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminations++
	w.grace = grace
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.err
}

func (w *fakeWorkload) exit() { close(w.done) }

func (w *fakeWorkload) terminated() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminations
}

type fakeDiscoverer struct {
	handle discovery.Handle
	err    error
	block  bool
}

func (d *fakeDiscoverer) Discover(ctx context.Context, _ discovery.Criteria, _ time.Duration) (discovery.Handle, error) {
	if d.block {
		<-ctx.Done()
		return discovery.Handle{State: discovery.Polling}, ctx.Err()
	}
	return d.handle, d.err
}

type fakeSampler struct {
	output string
	err    error
	calls  int
	req    sampler.Request
}

func (s *fakeSampler) Name() string { return "fake" }

func (s *fakeSampler) Run(_ context.Context, req sampler.Request) error {
	s.calls++
	s.req = req
	if s.err != nil {
		return s.err
	}
	if s.output != "" {
		return os.WriteFile(req.Output, []byte(s.output), 0o644)
	}
	return nil
}

type harness struct {
	workload   *fakeWorkload
	launchErr  error
	discoverer *fakeDiscoverer
	sampler    *fakeSampler
	cfg        Config
	states     []State
	onState    func(State)
}

func newHarness(t *testing.T) *harness {
	return &harness{
		workload:   newFakeWorkload(),
		discoverer: &fakeDiscoverer{handle: discovery.Handle{PID: 4242, State: discovery.Confirmed}},
		sampler:    &fakeSampler{output: "a;b 3\na;c 1\n"},
		cfg: Config{
			Criteria:       discovery.Criteria{NamePatterns: []string{"GradleWorkerMain"}, CommandMarkers: []string{"throughput-benchmark"}},
			SampleDuration: 25 * time.Second,
			Event:          sampler.EventWall,
			Output:         filepath.Join(t.TempDir(), "profile-wall.collapsed"),
			Parse:          stacks.DefaultOptions(),
		},
	}
}

func (h *harness) coordinator(opts ...Option) *Coordinator {
	launcher := LauncherFunc(func(context.Context) (Workload, error) {
		if h.launchErr != nil {
			return nil, h.launchErr
		}
		return h.workload, nil
	})
	opts = append(opts, WithObserver(func(s State) {
		h.states = append(h.states, s)
		if h.onState != nil {
			h.onState(s)
		}
	}))
	return New(h.cfg, launcher, h.discoverer, h.sampler, opts...)
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)

	res, err := h.coordinator().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, int32(4242), res.PID)
	assert.False(t, res.Empty)
	require.NotNil(t, res.Corpus)
	assert.Equal(t, int64(4), res.Corpus.TotalWeight)

	assert.Equal(t, []State{Launching, AwaitingDiscovery, Warmup, Sampling, Collecting, Terminating, Done}, h.states)
	assert.Equal(t, 1, h.workload.terminated())
	assert.Equal(t, DefaultGrace, h.workload.grace)

	assert.Equal(t, sampler.Request{
		PID:      4242,
		Event:    sampler.EventWall,
		Duration: 25 * time.Second,
		Output:   h.cfg.Output,
	}, h.sampler.req)
}

func TestRun_DiscoveryTimeout(t *testing.T) {
	h := newHarness(t)
	h.discoverer.err = &discovery.NotFoundError{Timeout: time.Minute}

	res, err := h.coordinator().Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, discovery.ErrProcessNotFound))
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 0, h.sampler.calls)
	assert.Equal(t, 1, h.workload.terminated())
	assert.Equal(t, []State{Launching, AwaitingDiscovery, Terminating, Failed}, h.states)
}

func TestRun_SamplerFailure(t *testing.T) {
	h := newHarness(t)
	h.sampler.err = &sampler.InvocationError{Tool: "asprof", ExitCode: 1, Stderr: "Could not attach"}

	res, err := h.coordinator().Run(context.Background())

	assert.True(t, errors.Is(err, sampler.ErrInvocationFailed))
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 1, h.workload.terminated())
	assert.Equal(t, []State{Launching, AwaitingDiscovery, Warmup, Sampling, Terminating, Failed}, h.states)
}

func TestRun_LaunchFailure(t *testing.T) {
	h := newHarness(t)
	h.launchErr = errors.New("gradlew: permission denied")

	res, err := h.coordinator().Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch workload")
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 0, h.workload.terminated())
	assert.Equal(t, []State{Launching, Terminating, Failed}, h.states)
}

func TestRun_MissingOutputIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.sampler.output = ""

	res, err := h.coordinator().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.True(t, res.Empty)
	assert.Nil(t, res.Corpus)
}

func TestRun_OutputWithoutSamples(t *testing.T) {
	h := newHarness(t)
	h.sampler.output = "\n\nnot a sample line\n"

	res, err := h.coordinator().Run(context.Background())

	require.NoError(t, err)
	assert.True(t, res.Empty)
}

func TestRun_CancelDuringDiscovery(t *testing.T) {
	h := newHarness(t)
	h.discoverer.block = true
	ctx, cancel := context.WithCancel(context.Background())

	h.onState = func(s State) {
		if s == AwaitingDiscovery {
			cancel()
		}
	}
	res, err := h.coordinator().Run(ctx)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 1, h.workload.terminated())
	assert.Equal(t, 0, h.sampler.calls)
}

func TestRun_WorkloadExitsDuringWarmup(t *testing.T) {
	h := newHarness(t)
	h.cfg.Warmup = time.Hour
	clock := clockwork.NewFakeClock()
	h.workload.exit()

	res, err := h.coordinator(WithClock(clock)).Run(context.Background())

	assert.True(t, errors.Is(err, ErrWorkloadExited))
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 0, h.sampler.calls)
}

func TestRun_TeardownErrorIsNotReturned(t *testing.T) {
	h := newHarness(t)
	h.workload.err = errors.New("operation not permitted")

	res, err := h.coordinator().Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, 1, h.workload.terminated())
}

func TestRun_WaitsAndTimings(t *testing.T) {
	h := newHarness(t)
	h.cfg.DiscoveryDelay = 3 * time.Second
	h.cfg.Warmup = 10 * time.Second
	clock := clockwork.NewFakeClock()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.coordinator(WithClock(clock)).Run(context.Background())
		done <- outcome{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(3 * time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	var got outcome
	select {
	case got = <-done:
	case <-ctx.Done():
		t.Fatal("run did not finish")
	}
	require.NoError(t, got.err)

	stages := make(map[string]time.Duration)
	for _, timing := range got.res.Timings {
		stages[timing.Stage] = timing.Duration
	}
	assert.Equal(t, 3*time.Second, stages["launching"])
	assert.Equal(t, 10*time.Second, stages["warmup"])
	assert.Contains(t, stages, "terminating")
	assert.Len(t, got.res.Timings, 6)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_discovery", AwaitingDiscovery.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Terminating.Terminal())
}
