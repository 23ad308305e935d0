// Package diag defines the diagnostic model shared by the broker, the
// worker runtime, and plugin linters.
package diag

// Severity defines the importance of a diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Kind classifies a diagnostic for the host. Lint diagnostics are the ones
// the wildcard suppression directive applies to.
type Kind string

const (
	KindLint        Kind = "LINT"
	KindCompileTime Kind = "COMPILE_TIME_ERROR"
)

// Location anchors a diagnostic (or a context message) in a source file.
// Offsets count bytes; lines and columns are 1-based.
type Location struct {
	Path        string `json:"file"`
	Offset      int    `json:"offset"`
	Length      int    `json:"length"`
	StartLine   int    `json:"startLine"`
	StartColumn int    `json:"startColumn"`
	EndLine     int    `json:"endLine,omitempty"`
	EndColumn   int    `json:"endColumn,omitempty"`
}

// ContextMessage points at a secondary location that helps explain a
// diagnostic, such as the frame a lint rule crashed in.
type ContextMessage struct {
	Message  string   `json:"message"`
	Location Location `json:"location"`
}

// Diagnostic is one reported issue. Immutable once constructed.
type Diagnostic struct {
	Severity        Severity         `json:"severity"`
	Kind            Kind             `json:"type"`
	Code            string           `json:"code"`
	Message         string           `json:"message"`
	Location        Location         `json:"location"`
	ContextMessages []ContextMessage `json:"contextMessages,omitempty"`
}

// FixEdit is a single text replacement inside a fix.
type FixEdit struct {
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
	NewText string `json:"replacement"`
}

// Fix is a suggested change addressing one diagnostic.
type Fix struct {
	Title string    `json:"message"`
	Edits []FixEdit `json:"edits"`
}

// HasErrors reports whether any diagnostic in the batch has ERROR severity.
func HasErrors(batch []Diagnostic) bool {
	for i := range batch {
		if batch[i].Severity == SeverityError {
			return true
		}
	}
	return false
}
