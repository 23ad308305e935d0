// Package suppress implements inline suppression directives over document
// source text.
//
// Two directive forms exist, both inside line comments:
//
//	// ignore: code_a, code_b          suppresses listed codes on the NEXT line
//	// ignore_for_file: code_a         suppresses listed codes file-wide
//	// ignore_for_file: type=lint      suppresses every lint in the file
package suppress

import (
	"strings"

	"github.com/TimWhiting/dart-custom-lint/internal/analysis"
	"github.com/TimWhiting/dart-custom-lint/internal/diag"
)

// Wildcard is the directive argument that suppresses all lint diagnostics.
const Wildcard = "type=lint"

const (
	filePrefix = "ignore_for_file"
	linePrefix = "ignore"
)

// FileSuppressions is the file-wide suppression set derived from one version
// of a document's source. Recomputed on every source change, never cached
// across versions.
type FileSuppressions struct {
	// All is true when a wildcard file-wide directive is present anywhere.
	All   bool
	codes map[string]struct{}
}

// ForFile scans the whole source for file-wide directives and aggregates
// them across all occurrences.
func ForFile(source string) FileSuppressions {
	s := FileSuppressions{codes: make(map[string]struct{})}
	for _, line := range strings.Split(source, "\n") {
		args, ok := directiveArgs(line, filePrefix)
		if !ok {
			continue
		}
		for _, code := range args {
			if code == Wildcard {
				s.All = true
				continue
			}
			s.codes[code] = struct{}{}
		}
	}
	return s
}

// Suppresses reports whether the given diagnostic code is suppressed
// file-wide.
func (s FileSuppressions) Suppresses(code string) bool {
	if s.All {
		return true
	}
	_, ok := s.codes[strings.ToLower(code)]
	return ok
}

// Codes returns the explicitly suppressed codes, for tests and logging.
func (s FileSuppressions) Codes() []string {
	out := make([]string, 0, len(s.codes))
	for code := range s.codes {
		out = append(out, code)
	}
	return out
}

// IsLineSuppressed reports whether a diagnostic starting on the given 1-based
// line is suppressed by a directive on the immediately preceding line. A
// diagnostic on the first line can never be suppressed this way.
func IsLineSuppressed(d *diag.Diagnostic, lines *analysis.LineIndex, source string) bool {
	prev := d.Location.StartLine - 1
	if prev < 1 {
		return false
	}
	args, ok := directiveArgs(lines.LineText(source, prev), linePrefix)
	if !ok {
		return false
	}
	want := strings.ToLower(d.Code)
	for _, code := range args {
		if code == Wildcard || code == want {
			return true
		}
	}
	return false
}

// directiveArgs extracts the comma-separated arguments of a directive with
// the given keyword from one source line. Scans every "//" occurrence so a
// trailing comment after code still counts.
func directiveArgs(line, keyword string) ([]string, bool) {
	rest := line
	for {
		i := strings.Index(rest, "//")
		if i < 0 {
			return nil, false
		}
		rest = rest[i+2:]
		body := strings.TrimSpace(rest)
		if !strings.HasPrefix(body, keyword) {
			continue
		}
		body = strings.TrimSpace(body[len(keyword):])
		// "ignore" must not match "ignore_for_file"
		if !strings.HasPrefix(body, ":") {
			continue
		}
		args := strings.Split(body[1:], ",")
		out := make([]string, 0, len(args))
		for _, a := range args {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				out = append(out, a)
			}
		}
		return out, true
	}
}
