package slack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	assert.Equal(t, "a &amp; b &lt;c&gt;", Escape("a & b <c>").String())
	assert.Equal(t, "plain", Escape("plain").String())
}

// TestLinkEscapesURLAndTitle tests that link parts are escaped once.
func TestLinkEscapesURLAndTitle(t *testing.T) {
	link := Link("http://example.com/testing?t=tree&b=master", "master")
	assert.Equal(t, "<http://example.com/testing?t=tree&amp;b=master|master>", link.String())

	assert.Equal(t, "<http://example.com>", Link("http://example.com", "").String())
}

// TestSprintfDoesNotDoubleEscape tests that Markup arguments are inserted verbatim.
func TestSprintfDoesNotDoubleEscape(t *testing.T) {
	link := Link("http://example.com/testing", "testing")
	out := Sprintf("[%s:%s] %d:", link, "a<b", 3)
	assert.Equal(t, "[<http://example.com/testing|testing>:a&lt;b] 3:", out.String())

	var nilMarkup *Markup
	assert.Equal(t, "x", Sprintf("x%s", nilMarkup).String())
}

func TestSprintfVerbs(t *testing.T) {
	assert.Equal(t, "3 new commits", Sprintf("%d new commits", 3).String())
	assert.Equal(t, `"a&lt;b"`, Sprintf("%q", "a<b").String())
	assert.Equal(t, "[  7]", Sprintf("[%3d]", 7).String())
	assert.Equal(t, "x&amp;y", Sprintf("%v", "x&y").String())
}

func TestJoinAndConcat(t *testing.T) {
	lines := []Markup{Escape("a&b"), Raw("<x>"), Escape("c")}
	assert.Equal(t, "a&amp;b\n<x>\nc", Join(lines, Raw("\n")).String())
	assert.Equal(t, "", Join(nil, Raw("\n")).String())

	assert.Equal(t, "a&amp;b<x>", Escape("a&b").Concat(Raw("<x>")).String())
	assert.True(t, Markup{}.IsZero())
	assert.False(t, Raw(" ").IsZero())
}

func TestMarkupMarshalJSON(t *testing.T) {
	data, err := Escape("<b>").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"&lt;b&gt;"`, string(data))
}
