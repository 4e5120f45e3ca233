package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPlainLines(t *testing.T) {
	lines := Render("first\nsecond\nthird\n", 10)
	require.Len(t, lines, 3)
	assert.Equal(t, "first", lines[0])
	assert.Equal(t, "second", lines[1])
	assert.Equal(t, "third", lines[2])
}

func TestRenderResolvesCarriageReturnOverwrite(t *testing.T) {
	// A progress bar rewriting its line must leave only the final state.
	lines := Render("progress 10%\rprogress 99%\n", 10)
	require.NotEmpty(t, lines)
	assert.Equal(t, "progress 99%", lines[0])
}

func TestRenderStripsEscapeSequences(t *testing.T) {
	lines := Render("\x1b[31mred text\x1b[0m\n", 10)
	require.NotEmpty(t, lines)
	assert.Equal(t, "red text", lines[0])
}

func TestRenderDropsTrailingBlankLines(t *testing.T) {
	lines := Render("content\n\n\n\n", 10)
	require.Len(t, lines, 1)
	assert.Equal(t, "content", lines[0])
}

func TestRenderEmptyCapture(t *testing.T) {
	assert.Empty(t, Render("", 10))
}
