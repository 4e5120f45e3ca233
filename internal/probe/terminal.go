package probe

import (
	"strings"

	"github.com/tuzig/vt10x"
)

const (
	termCols = 200
	termRows = 120
)

// Render feeds a raw capture through a virtual terminal and returns the
// visible lines with escape sequences, cursor movement, and in-place redraws
// resolved. Trailing blank lines are dropped.
func Render(raw string, maxLines int) []string {
	rows := maxLines
	if rows <= 0 || rows > termRows {
		rows = termRows
	}

	term := vt10x.New(vt10x.WithSize(termCols, rows))
	// The emulator expects CRLF line endings; captures arrive with bare LF.
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\n", "\r\n")
	_, _ = term.Write([]byte(normalized))

	lines := make([]string, 0, rows)
	for row := 0; row < rows; row++ {
		var chars []rune
		for col := 0; col < termCols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(string(chars), " "))
	}

	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
