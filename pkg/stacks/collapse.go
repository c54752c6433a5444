package stacks

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// CollapsePerf converts `perf script` output to collapsed stack lines.
//
// perf prints one event header followed by indented frame lines, leaf first,
// with a blank line between events:
//
//	java 1234 5678.123: 10101 cpu-clock:
//		7f3a1c2b io.ktor.Foo.bar+0x1c (/tmp/perf-1234.map)
//		7f3a1c00 io.ktor.Foo.run+0x40 (/tmp/perf-1234.map)
//
// Output lines are root first and sorted so the result is deterministic.
func CollapsePerf(r io.Reader, w io.Writer) error {
	counts := make(map[string]int64)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		for i, j := 0, len(current)-1; i < j; i, j = i+1, j-1 {
			current[i], current[j] = current[j], current[i]
		}
		counts[strings.Join(current, DefaultSeparator)]++
		current = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			// event header
			continue
		}

		if name, ok := perfFrame(trimmed); ok {
			current = append(current, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading perf script output: %w", err)
	}
	flush()

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s %d\n", k, counts[k]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// perfFrame extracts the symbol from "<addr> <symbol>[+0x<off>] (<dso>)".
// Symbols may contain spaces. A ';' inside a symbol, as in JVM perf-map
// names like "Lio/ktor/Foo;::bar", becomes ':' so it cannot split the frame.
func perfFrame(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	fields = fields[1:]
	if n := len(fields); n > 1 && strings.HasPrefix(fields[n-1], "(") && strings.HasSuffix(fields[n-1], ")") {
		fields = fields[:n-1]
	}
	name := strings.Join(fields, " ")
	if idx := strings.LastIndex(name, "+0x"); idx > 0 {
		name = name[:idx]
	}
	return strings.ReplaceAll(name, DefaultSeparator, ":"), true
}
