// Package pprofexport converts a stack corpus into a pprof profile so that
// captures can be explored with go tool pprof.
package pprofexport

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"github.com/danpilch/hotprof/pkg/stacks"
)

// Options describes how the corpus was sampled.
type Options struct {
	// Event is the sampler event, recorded as the period type.
	Event string
	// Duration of the capture, if known.
	Duration time.Duration
	// Time the capture started, if known.
	Time time.Time
}

// Build converts corpus into a profile with one "samples/count" value per
// sample. Frames share one location per distinct name.
func Build(corpus *stacks.Corpus, opts Options) (*profile.Profile, error) {
	event := opts.Event
	if event == "" {
		event = "cpu"
	}

	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType:    &profile.ValueType{Type: event, Unit: "count"},
		Period:        1,
		DurationNanos: opts.Duration.Nanoseconds(),
	}
	if !opts.Time.IsZero() {
		p.TimeNanos = opts.Time.UnixNano()
	}

	locations := make(map[string]*profile.Location)
	location := func(name string) *profile.Location {
		if loc, ok := locations[name]; ok {
			return loc
		}
		fn := &profile.Function{ID: uint64(len(p.Function) + 1), Name: name, SystemName: name}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: uint64(len(p.Location) + 1), Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		locations[name] = loc
		return loc
	}

	for _, s := range corpus.Samples {
		// pprof orders locations leaf first.
		locs := make([]*profile.Location, len(s.Frames))
		for i, f := range s.Frames {
			locs[len(s.Frames)-1-i] = location(f)
		}
		p.Sample = append(p.Sample, &profile.Sample{Location: locs, Value: []int64{s.Weight}})
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid pprof profile: %w", err)
	}
	return p, nil
}

// Write encodes corpus as a gzipped pprof profile to w.
func Write(w io.Writer, corpus *stacks.Corpus, opts Options) error {
	p, err := Build(corpus, opts)
	if err != nil {
		return err
	}
	return p.Write(w)
}

// WriteFile writes the profile to path.
func WriteFile(path string, corpus *stacks.Corpus, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	if err := Write(f, corpus, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
