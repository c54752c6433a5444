package flamegraph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpilch/hotprof/pkg/stacks"
)

func corpus(t *testing.T, text string) *stacks.Corpus {
	t.Helper()
	c, err := stacks.Parse(strings.NewReader(text), stacks.DefaultOptions())
	require.NoError(t, err)
	return c
}

func TestBuildTree(t *testing.T) {
	root := buildTree(corpus(t, "main;a;b 3\nmain;a;c 2\nmain;d 5\n"))

	assert.Equal(t, int64(10), root.value)
	require.Contains(t, root.children, "main")
	main := root.children["main"]
	assert.Equal(t, int64(10), main.value)
	assert.Equal(t, int64(5), main.children["a"].value)
	assert.Equal(t, int64(3), main.children["a"].children["b"].value)
	assert.Equal(t, 3, root.depth())
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.Title = "cpu <hotspots>"

	require.NoError(t, Render(&buf, corpus(t, "io/ktor/Server.run;io/netty/Loop.poll 7\nio/ktor/Server.run;Foo.bar 3\n"), opts))

	svg := buf.String()
	assert.True(t, strings.HasPrefix(svg, "<?xml"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(svg), "</svg>"))
	assert.Contains(t, svg, "cpu &lt;hotspots&gt;")
	assert.Contains(t, svg, "(10 samples)")
	assert.Contains(t, svg, "<title>io/netty/Loop.poll (7 samples, 70.00%)</title>")
	assert.Contains(t, svg, "<title>Foo.bar (3 samples, 30.00%)</title>")
}

func TestRender_Deterministic(t *testing.T) {
	c := corpus(t, "a;b 1\na;c 1\na;d 1\nx;y 4\n")

	var first, second bytes.Buffer
	require.NoError(t, Render(&first, c, DefaultOptions()))
	require.NoError(t, Render(&second, c, DefaultOptions()))

	assert.Equal(t, first.String(), second.String())
}

func TestRender_Empty(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, Render(&buf, &stacks.Corpus{}, DefaultOptions()), ErrNoSamples)
	assert.ErrorIs(t, Render(&buf, nil, DefaultOptions()), ErrNoSamples)
}

func TestFitLabel(t *testing.T) {
	assert.Equal(t, "", fitLabel("anything", 40))
	assert.Equal(t, "short", fitLabel("short", 200))
	// (60-4)/7 = 8 characters fit.
	assert.Equal(t, "abcdef..", fitLabel("abcdefghijklmnop", 60))
}

func TestSchemeFor(t *testing.T) {
	assert.Equal(t, SchemeHot, SchemeFor("cpu"))
	assert.Equal(t, SchemeMem, SchemeFor("alloc"))
	assert.Equal(t, SchemeCold, SchemeFor("wall"))
}
