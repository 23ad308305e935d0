package pipeline

import (
	"strconv"
	"strings"
)

// Frame is a best-effort source attribution for a crashed lint rule: the
// first stack frame that points at a local file rather than runtime or
// library internals.
type Frame struct {
	Path   string
	Line   int // 1-based
	Column int // 1-based, 0 when the stack carries no column
}

// FrameLocator extracts a local frame from stack text. Frame-to-source
// mapping is runtime specific, so the strategy is pluggable; NopLocator is
// the fallback when no mapping is possible.
type FrameLocator interface {
	Locate(stack string) (Frame, bool)
}

// NopLocator never finds a frame.
type NopLocator struct{}

func (NopLocator) Locate(string) (Frame, bool) { return Frame{}, false }

// PathFrameLocator scans stack text for path:line[:column] tokens and
// returns the first one whose path is absolute and not under any of the
// configured skip prefixes (runtime roots, dependency caches).
type PathFrameLocator struct {
	SkipPrefixes []string
}

func (l PathFrameLocator) Locate(stack string) (Frame, bool) {
	for _, line := range strings.Split(stack, "\n") {
		frame, ok := parseFrame(strings.TrimSpace(line))
		if !ok {
			continue
		}
		if l.skip(frame.Path) {
			continue
		}
		return frame, true
	}
	return Frame{}, false
}

func (l PathFrameLocator) skip(path string) bool {
	for _, prefix := range l.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// parseFrame extracts "path:line" or "path:line:column" from one stack line.
// Trailing decoration after the position (offsets, function names) is
// tolerated by splitting on whitespace first.
func parseFrame(line string) (Frame, bool) {
	if line == "" {
		return Frame{}, false
	}
	for _, token := range strings.Fields(line) {
		frame, ok := parseToken(token)
		if ok {
			return frame, true
		}
	}
	return Frame{}, false
}

func parseToken(token string) (Frame, bool) {
	if !strings.HasPrefix(token, "/") {
		return Frame{}, false
	}
	parts := strings.Split(token, ":")
	if len(parts) < 2 {
		return Frame{}, false
	}
	lineNo, err := strconv.Atoi(parts[1])
	if err != nil || lineNo < 1 {
		return Frame{}, false
	}
	frame := Frame{Path: parts[0], Line: lineNo}
	if len(parts) >= 3 {
		if col, err := strconv.Atoi(parts[2]); err == nil && col >= 1 {
			frame.Column = col
		}
	}
	return frame, true
}
