package analysis

import (
	"sort"
	"strings"
)

// LineIndex maps between 1-based line/column positions and byte offsets for
// one version of a document's source. It is derived once per resolved result
// and never mutated.
type LineIndex struct {
	starts []int // byte offset of the start of each line, starts[0] == 0
	length int
}

// NewLineIndex builds an index over the given source text.
func NewLineIndex(source string) *LineIndex {
	starts := []int{0}
	for i := 0; i < len(source); i++ {
		if source[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineIndex{starts: starts, length: len(source)}
}

// LineCount returns the number of lines in the source.
func (ix *LineIndex) LineCount() int {
	return len(ix.starts)
}

// LineStart returns the byte offset at which the given 1-based line begins.
// Lines beyond the end of the file clamp to the source length.
func (ix *LineIndex) LineStart(line int) int {
	if line < 1 {
		return 0
	}
	if line > len(ix.starts) {
		return ix.length
	}
	return ix.starts[line-1]
}

// Offset translates a 1-based line and column to a byte offset, clamping to
// the source bounds.
func (ix *LineIndex) Offset(line, column int) int {
	start := ix.LineStart(line)
	if column < 1 {
		return start
	}
	off := start + column - 1
	if off > ix.length {
		return ix.length
	}
	return off
}

// LineOf returns the 1-based line containing the given byte offset.
func (ix *LineIndex) LineOf(offset int) int {
	if offset < 0 {
		return 1
	}
	// First line whose start is strictly past the offset; the offset lives
	// on the line before it.
	n := sort.Search(len(ix.starts), func(i int) bool {
		return ix.starts[i] > offset
	})
	return n
}

// ColumnOf returns the 1-based column of the given byte offset.
func (ix *LineIndex) ColumnOf(offset int) int {
	line := ix.LineOf(offset)
	return offset - ix.LineStart(line) + 1
}

// LineText returns the text of the given 1-based line without its
// terminating newline, or "" when the line does not exist.
func (ix *LineIndex) LineText(source string, line int) string {
	if line < 1 || line > len(ix.starts) {
		return ""
	}
	start := ix.starts[line-1]
	end := len(source)
	if line < len(ix.starts) {
		end = ix.starts[line] - 1
	}
	return strings.TrimSuffix(source[start:end], "\r")
}
