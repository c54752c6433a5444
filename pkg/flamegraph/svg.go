// Package flamegraph renders a stack corpus as an SVG flame graph.
package flamegraph

import (
	"bufio"
	"errors"
	"fmt"
	"html"
	"io"
	"sort"

	"github.com/danpilch/hotprof/pkg/stacks"
)

// ErrNoSamples is returned for a corpus without samples.
var ErrNoSamples = errors.New("no samples to render")

// Scheme selects the frame palette.
type Scheme string

const (
	SchemeHot  Scheme = "hot"
	SchemeCold Scheme = "cold"
	SchemeMem  Scheme = "mem"
)

// SchemeFor picks the conventional palette for a sampler event name.
func SchemeFor(event string) Scheme {
	switch event {
	case "alloc":
		return SchemeMem
	case "wall":
		return SchemeCold
	default:
		return SchemeHot
	}
}

// Options configures the SVG output.
type Options struct {
	Title  string
	Width  int
	Scheme Scheme
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Title:  "Flame Graph",
		Width:  1200,
		Scheme: SchemeHot,
	}
}

const (
	frameHeight  = 16
	fontSize     = 12
	headerHeight = 40
	margin       = 10
)

// node is one frame of the merged call tree.
type node struct {
	name     string
	value    int64
	children map[string]*node
}

func newNode(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

func (n *node) depth() int {
	max := 0
	for _, c := range n.children {
		if d := c.depth() + 1; d > max {
			max = d
		}
	}
	return max
}

// buildTree merges root-to-leaf stacks into a prefix tree.
func buildTree(corpus *stacks.Corpus) *node {
	root := newNode("all")
	for _, s := range corpus.Samples {
		n := root
		root.value += s.Weight
		for _, f := range s.Frames {
			child, ok := n.children[f]
			if !ok {
				child = newNode(f)
				n.children[f] = child
			}
			child.value += s.Weight
			n = child
		}
	}
	return root
}

// Render writes corpus as an SVG flame graph to w.
func Render(w io.Writer, corpus *stacks.Corpus, opts Options) error {
	if corpus == nil || corpus.TotalWeight == 0 {
		return ErrNoSamples
	}
	if opts.Width <= 2*margin {
		opts.Width = DefaultOptions().Width
	}
	if opts.Scheme == "" {
		opts.Scheme = SchemeHot
	}

	root := buildTree(corpus)
	height := (root.depth()+2)*frameHeight + headerHeight + 20

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, `<?xml version="1.0" standalone="no"?>
<!DOCTYPE svg PUBLIC "-//W3C//DTD SVG 1.1//EN" "http://www.w3.org/Graphics/SVG/1.1/DTD/svg1.1.dtd">
<svg version="1.1" width="%d" height="%d" xmlns="http://www.w3.org/2000/svg">
<style>
  .func:hover { stroke:black; stroke-width:0.5; cursor:pointer; }
  text { font-family: monospace; font-size: %dpx; }
</style>
<rect x="0" y="0" width="%d" height="%d" fill="white"/>
<text x="%d" y="20" text-anchor="middle" style="font-size:16px; font-weight:bold;">%s</text>
<text x="%d" y="35" text-anchor="middle" style="font-size:12px; fill:#666;">(%d samples)</text>
`,
		opts.Width, height, fontSize,
		opts.Width, height,
		opts.Width/2, html.EscapeString(opts.Title),
		opts.Width/2, root.value)

	r := renderer{w: bw, total: root.value, baseY: height - 20, scheme: opts.Scheme}
	r.frame(root, margin, opts.Width-2*margin, 0)

	fmt.Fprintln(bw, "</svg>")
	return bw.Flush()
}

type renderer struct {
	w      io.Writer
	total  int64
	baseY  int
	scheme Scheme
}

func (r renderer) frame(n *node, x, width, depth int) {
	if width < 1 || n.value == 0 {
		return
	}

	y := r.baseY - depth*frameHeight
	red, green, blue := frameColor(depth, r.scheme)
	fmt.Fprintf(r.w, `<g class="func">
<rect x="%d" y="%d" width="%d" height="%d" fill="rgb(%d,%d,%d)" rx="1"/>
`, x, y-frameHeight, width, frameHeight-1, red, green, blue)

	if label := fitLabel(n.name, width); label != "" {
		fmt.Fprintf(r.w, `<text x="%d" y="%d" fill="black">%s</text>
`, x+2, y-4, html.EscapeString(label))
	}

	fmt.Fprintf(r.w, `<title>%s (%d samples, %.2f%%)</title>
</g>
`, html.EscapeString(n.name), n.value, float64(n.value)/float64(r.total)*100)

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	childX := x
	for _, name := range names {
		child := n.children[name]
		childWidth := int(int64(width) * child.value / n.value)
		if childWidth < 1 {
			childWidth = 1
		}
		r.frame(child, childX, childWidth, depth+1)
		childX += childWidth
	}
}

// fitLabel shortens name to the approximate character capacity of width.
func fitLabel(name string, width int) string {
	if width <= 40 {
		return ""
	}
	runes := []rune(name)
	maxChars := (width - 4) / 7
	if len(runes) <= maxChars {
		return name
	}
	if maxChars <= 3 {
		return ""
	}
	return string(runes[:maxChars-2]) + ".."
}

func frameColor(depth int, scheme Scheme) (int, int, int) {
	switch scheme {
	case SchemeCold:
		return 30, 50 + (depth*30)%150, 150 + (depth*20)%100
	case SchemeMem:
		return 30, 190 + (depth*15)%60, 30
	default:
		return 200 + (depth*15)%55, 50 + (depth*40)%150, 30
	}
}
