// Package stacks parses collapsed stack text into weighted samples.
package stacks

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/klauspost/compress/gzip"
)

// DefaultSeparator joins frames in collapsed stack lines.
const DefaultSeparator = ";"

var (
	// ErrMalformedLine is wrapped by MalformedLineError.
	ErrMalformedLine = errors.New("malformed collapsed stack line")

	// ErrInputFileNotFound is returned by ParseFile when the input does not exist.
	ErrInputFileNotFound = errors.New("input file not found")
)

// MalformedLineError reports a line that could not be split into frames and a count.
// It is only returned in strict mode.
type MalformedLineError struct {
	Line int
	Text string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, ErrMalformedLine, e.Text)
}

func (e *MalformedLineError) Unwrap() error {
	return ErrMalformedLine
}

// Sample is one observed call stack and the number of times it was seen.
// Frames run root to leaf; the last frame is the self location.
type Sample struct {
	Frames []string `json:"frames"`
	Weight int64    `json:"weight"`
}

// Leaf returns the innermost frame.
func (s Sample) Leaf() string {
	return s.Frames[len(s.Frames)-1]
}

// Corpus is the parsed content of a collapsed stack source.
type Corpus struct {
	Samples     []Sample `json:"samples"`
	TotalWeight int64    `json:"total_weight"`
	// Skipped counts malformed lines dropped in lenient mode.
	Skipped int `json:"skipped"`
}

// Options controls parsing.
type Options struct {
	Separator string
	Strict    bool
}

// DefaultOptions returns lenient parsing with the ";" separator.
func DefaultOptions() Options {
	return Options{Separator: DefaultSeparator}
}

// Parse reads collapsed stacks from r.
//
// Blank lines are ignored. A line whose trailing token is not a non-negative
// integer is skipped, unless opts.Strict is set, in which case parsing stops
// with a *MalformedLineError. Samples with no frames or a zero count carry no
// weight and are not kept.
func Parse(r io.Reader, opts Options) (*Corpus, error) {
	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}

	corpus := &Corpus{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sample, ok := parseLine(line, sep)
		if !ok {
			if opts.Strict {
				return nil, &MalformedLineError{Line: lineNo, Text: line}
			}
			corpus.Skipped++
			continue
		}
		if len(sample.Frames) == 0 || sample.Weight == 0 {
			continue
		}

		corpus.Samples = append(corpus.Samples, sample)
		corpus.TotalWeight += sample.Weight
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading collapsed stacks: %w", err)
	}

	return corpus, nil
}

// ParseFile opens path and parses it.
func ParseFile(path string, opts Options) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputFileNotFound, path)
		}
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	if !strings.HasSuffix(path, ".gz") {
		return Parse(f, opts)
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("cannot decompress %s: %w", path, err)
	}
	defer zr.Close()
	return Parse(zr, opts)
}

// parseLine splits a trimmed line on its last whitespace run.
func parseLine(line, sep string) (Sample, bool) {
	idx := strings.LastIndexFunc(line, unicode.IsSpace)
	if idx < 0 {
		return Sample{}, false
	}
	stack := strings.TrimRightFunc(line[:idx], unicode.IsSpace)
	countStr := line[idx+1:]
	if stack == "" {
		return Sample{}, false
	}

	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil || count < 0 {
		return Sample{}, false
	}

	var frames []string
	for _, f := range strings.Split(stack, sep) {
		if f != "" {
			frames = append(frames, f)
		}
	}

	return Sample{Frames: frames, Weight: count}, true
}

// Format writes a sample back as a collapsed stack line.
func Format(s Sample, sep string) string {
	if sep == "" {
		sep = DefaultSeparator
	}
	return strings.Join(s.Frames, sep) + " " + strconv.FormatInt(s.Weight, 10)
}
