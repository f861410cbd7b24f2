package review

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pair-review/pair-review/internal/store"
)

type anchor struct {
	path string
	side store.Side
	line int
}

var hunkPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// positions walks a unified diff and maps every visible line to its
// diff-relative position. Positions count from 1 at the first line after
// a file's first hunk header; later hunk headers of the same file count
// as lines, matching the position semantics review APIs expect.
func positions(diff string) map[anchor]int {
	out := make(map[anchor]int)

	lines := strings.Split(diff, "\n")
	// A trailing newline leaves an empty split token; it is not a
	// context line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var (
		path     string
		pos      = -1 // -1 until the file's first hunk header
		oldLine  int
		newLine  int
		inHunk   bool
	)

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++ "):
			path = strings.TrimPrefix(strings.TrimPrefix(line, "+++ "), "b/")
			pos = -1
			inHunk = false

		case hunkPattern.MatchString(line):
			m := hunkPattern.FindStringSubmatch(line)
			oldLine = atoi(m[1])
			newLine = atoi(m[3])
			if pos == -1 {
				pos = 0
			} else {
				pos++
			}
			inHunk = true

		case inHunk && len(line) > 0:
			pos++
			switch line[0] {
			case '+':
				out[anchor{path, store.SideNew, newLine}] = pos
				newLine++
			case '-':
				out[anchor{path, store.SideOld, oldLine}] = pos
				oldLine++
			case ' ':
				out[anchor{path, store.SideNew, newLine}] = pos
				out[anchor{path, store.SideOld, oldLine}] = pos
				newLine++
				oldLine++
			}
			// "\" (no-newline marker) counts as a position but anchors
			// nothing.

		case inHunk:
			// Entirely empty lines inside a hunk are context lines whose
			// leading space was stripped somewhere upstream.
			pos++
			out[anchor{path, store.SideNew, newLine}] = pos
			out[anchor{path, store.SideOld, oldLine}] = pos
			newLine++
			oldLine++
		}
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
