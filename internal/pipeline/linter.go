package pipeline

import (
	"context"

	"github.com/TimWhiting/dart-custom-lint/internal/analysis"
	"github.com/TimWhiting/dart-custom-lint/internal/diag"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
)

// Linter is the plugin-supplied diagnostic producer. Implementations inspect
// a resolved document and lazily yield raw diagnostics.
//
// GetDiagnostics must be safely re-invocable on every pass. Both returned
// channels must close when production ends; errors may surface at any point
// during iteration and do not have to terminate production. Producers should
// stop when ctx is cancelled, but the pipeline only guarantees it stops
// listening, not that the computation halts.
type Linter interface {
	Name() string
	GetDiagnostics(ctx context.Context, result *analysis.ResolvedResult) (<-chan diag.Diagnostic, <-chan error)
}

// FixProvider is an optional Linter capability answering edit.getFixes.
type FixProvider interface {
	Linter
	GetFixes(ctx context.Context, result *analysis.ResolvedResult, offset int) ([]protocol.DiagnosticFixes, error)
}

// LinterFunc adapts a plain function producing a full batch into a Linter.
// The batch is replayed lazily, one diagnostic at a time.
type LinterFunc struct {
	LintName string
	Fn       func(ctx context.Context, result *analysis.ResolvedResult) ([]diag.Diagnostic, error)
}

func (l LinterFunc) Name() string { return l.LintName }

func (l LinterFunc) GetDiagnostics(ctx context.Context, result *analysis.ResolvedResult) (<-chan diag.Diagnostic, <-chan error) {
	items := make(chan diag.Diagnostic)
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)
		batch, err := l.Fn(ctx, result)
		if err != nil {
			errs <- err
			return
		}
		for _, d := range batch {
			select {
			case items <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return items, errs
}
