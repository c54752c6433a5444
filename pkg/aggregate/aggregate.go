// Package aggregate ranks hotspots from a parsed stack corpus.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danpilch/hotprof/pkg/stacks"
)

// Mode selects how frames turn into labels and how weight is attributed.
type Mode string

const (
	// ModeSelf attributes each sample to its leaf frame only.
	ModeSelf Mode = "self"
	// ModeTotal attributes each sample to every distinct frame in its stack.
	ModeTotal Mode = "total"
	// ModeClass is ModeTotal over the class view of each frame.
	ModeClass Mode = "class"
	// ModePackage is ModeTotal over the package view of each frame.
	ModePackage Mode = "package"
)

const (
	// DefaultPackageDepth is the number of path segments kept by the package view.
	DefaultPackageDepth = 3
	// DefaultPackageSeparator splits a frame into package path segments.
	DefaultPackageSeparator = "/"
)

// Result maps a label to its summed sample weight.
type Result map[string]int64

// Sum returns the total weight across all labels.
func (r Result) Sum() int64 {
	var total int64
	for _, w := range r {
		total += w
	}
	return total
}

// Options configures an aggregation.
type Options struct {
	Mode Mode
	// Include keeps only labels containing this substring when non-empty.
	Include string
	// Exclude drops labels containing any of these substrings.
	Exclude      []string
	PackageDepth int
	// PackageSeparator defaults to DefaultPackageSeparator.
	PackageSeparator string
}

// Entry is one ranked label.
type Entry struct {
	Label  string `json:"label"`
	Weight int64  `json:"weight"`
}

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeSelf, ModeTotal, ModeClass, ModePackage:
		return m, nil
	case "":
		return ModeSelf, nil
	default:
		return "", fmt.Errorf("unknown aggregation mode %q", s)
	}
}

// Aggregate computes a fresh Result for corpus under opts.
func Aggregate(corpus *stacks.Corpus, opts Options) Result {
	result := make(Result)
	if corpus == nil {
		return result
	}

	depth := opts.PackageDepth
	if depth <= 0 {
		depth = DefaultPackageDepth
	}

	if opts.Mode == ModeSelf || opts.Mode == "" {
		for _, s := range corpus.Samples {
			if len(s.Frames) == 0 {
				continue
			}
			label := s.Leaf()
			if !opts.passes(label) {
				continue
			}
			result[label] += s.Weight
		}
		return result
	}

	sep := opts.PackageSeparator
	if sep == "" {
		sep = DefaultPackageSeparator
	}

	view := labelView(opts.Mode, sep, depth)
	for _, s := range corpus.Samples {
		seen := make(map[string]struct{}, len(s.Frames))
		for _, frame := range s.Frames {
			label := view(frame)
			if !opts.passes(label) {
				continue
			}
			if _, dup := seen[label]; dup {
				continue
			}
			seen[label] = struct{}{}
			result[label] += s.Weight
		}
	}

	return result
}

func labelView(mode Mode, sep string, depth int) func(string) string {
	switch mode {
	case ModeClass:
		return cached(ClassOf)
	case ModePackage:
		return cached(func(frame string) string { return PackageOf(frame, sep, depth) })
	default:
		return func(frame string) string { return frame }
	}
}

func (o Options) passes(label string) bool {
	if o.Include != "" && !strings.Contains(label, o.Include) {
		return false
	}
	for _, pattern := range o.Exclude {
		if pattern != "" && strings.Contains(label, pattern) {
			return false
		}
	}
	return true
}

// ClassOf strips the final dot-delimited component (the method name).
func ClassOf(frame string) string {
	if idx := strings.LastIndex(frame, "."); idx >= 0 {
		return frame[:idx]
	}
	return frame
}

// PackageOf returns the first depth sep-delimited segments of frame.
// Frames with depth or fewer segments drop their last segment instead,
// and single-segment frames are returned unchanged.
func PackageOf(frame, sep string, depth int) string {
	parts := strings.Split(frame, sep)
	if len(parts) > depth {
		return strings.Join(parts[:depth], sep)
	}
	if len(parts) > 1 {
		return strings.Join(parts[:len(parts)-1], sep)
	}
	return frame
}

// Rank orders a result by descending weight, ties by ascending label.
func Rank(result Result) []Entry {
	entries := make([]Entry, 0, len(result))
	for label, weight := range result {
		entries = append(entries, Entry{Label: label, Weight: weight})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Weight != entries[j].Weight {
			return entries[i].Weight > entries[j].Weight
		}
		return entries[i].Label < entries[j].Label
	})
	return entries
}

// Top returns at most n entries of Rank(result). n <= 0 means all.
func Top(result Result, n int) []Entry {
	ranked := Rank(result)
	if n > 0 && n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// Title describes an aggregation for report headers.
func Title(opts Options) string {
	var title string
	switch opts.Mode {
	case ModePackage:
		title = "TOP HOTSPOTS BY PACKAGE"
	case ModeClass:
		title = "TOP HOTSPOTS BY CLASS"
	case ModeTotal:
		title = "TOP HOTSPOTS BY METHOD (TOTAL TIME)"
	default:
		title = "TOP HOTSPOTS BY METHOD (SELF TIME)"
	}
	if opts.Include != "" {
		title += fmt.Sprintf(" [filter: %s]", opts.Include)
	}
	if len(opts.Exclude) > 0 {
		title += fmt.Sprintf(" [excluding: %s]", strings.Join(opts.Exclude, ","))
	}
	return title
}
