// Package pipeline turns raw plugin diagnostics into filtered,
// protocol-ready batches, one cancellable pass per document version.
package pipeline

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/analysis"
	"github.com/TimWhiting/dart-custom-lint/internal/diag"
	"github.com/TimWhiting/dart-custom-lint/internal/stream"
	"github.com/TimWhiting/dart-custom-lint/internal/suppress"
)

// SyntheticCode is the diagnostic code of errors synthesized from crashed
// lint rules.
const SyntheticCode = "custom_lint_get_lints_error"

// ErrorSink receives plugin failures for telemetry. Failures are reported
// here even when they are converted into synthetic diagnostics instead of
// being rethrown.
type ErrorSink interface {
	ReportError(err error, stack string)
}

// Publisher receives the final diagnostic batch for one document pass.
// Called with the pipeline's internal lock held, so implementations must not
// block and must not call back into the pipeline.
type Publisher func(path string, batch []diag.Diagnostic)

// Options configures a Pipeline.
type Options struct {
	Linter  Linter
	Publish Publisher
	Sink    ErrorSink
	// Locator attributes crashed rules to a source frame. Defaults to
	// NopLocator.
	Locator FrameLocator
	// IncludeBuiltInLints enables synthetic diagnostics for crashed rules.
	IncludeBuiltInLints bool
	Logger              *zap.SugaredLogger
	// ReadFile is the file reader used during failure remapping. Defaults
	// to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Pipeline owns per-document diagnostic computation for one linter. At most
// one computation is live per document path: a new resolved result for a
// path cancels the previous computation before starting its own.
type Pipeline struct {
	linter   Linter
	publish  Publisher
	sink     ErrorSink
	locator  FrameLocator
	readFile func(path string) ([]byte, error)
	log      *zap.SugaredLogger

	includeBuiltIns atomic.Bool
	active          atomic.Int64

	mu   sync.Mutex
	docs map[string]*document
}

type document struct {
	result    *analysis.ResolvedResult
	inflight  *inflight
	lastBatch []diag.Diagnostic
}

// inflight is the cancellable handle of one running pass. Cancelling drops
// the subscription; the linter computation may keep running briefly but its
// batch is never emitted.
type inflight struct {
	cancel context.CancelFunc
}

// New creates a pipeline for the given linter.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		linter:   opts.Linter,
		publish:  opts.Publish,
		sink:     opts.Sink,
		locator:  opts.Locator,
		readFile: opts.ReadFile,
		log:      opts.Logger,
		docs:     make(map[string]*document),
	}
	if p.locator == nil {
		p.locator = NopLocator{}
	}
	if p.readFile == nil {
		p.readFile = os.ReadFile
	}
	if p.log == nil {
		p.log = zap.NewNop().Sugar()
	}
	p.includeBuiltIns.Store(opts.IncludeBuiltInLints)
	return p
}

// SetIncludeBuiltInLints toggles synthetic diagnostics for crashed rules.
func (p *Pipeline) SetIncludeBuiltInLints(enabled bool) {
	p.includeBuiltIns.Store(enabled)
}

// HandleResult reacts to a new resolved analysis result. Results not flagged
// as existing are ignored. Any still-running pass for the same path is
// cancelled before the new one starts.
func (p *Pipeline) HandleResult(result *analysis.ResolvedResult) {
	if result == nil || !result.Exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	inf := &inflight{cancel: cancel}

	p.mu.Lock()
	doc, ok := p.docs[result.Path]
	if !ok {
		doc = &document{}
		p.docs[result.Path] = doc
	}
	if doc.inflight != nil {
		doc.inflight.cancel()
	}
	doc.result = result
	doc.inflight = inf
	p.active.Add(1)
	p.mu.Unlock()

	go p.runPass(ctx, result, inf)
}

// RerunAll re-executes the pipeline for every document with a cached
// resolved result, using the same cancel-previous rule per path. This is how
// a reloaded plugin re-lints all open documents without a new analysis pass.
func (p *Pipeline) RerunAll() {
	// Snapshot before iterating: a new result arriving mid-iteration must
	// not mutate the set under us
	p.mu.Lock()
	results := make([]*analysis.ResolvedResult, 0, len(p.docs))
	for _, doc := range p.docs {
		results = append(results, doc.result)
	}
	p.mu.Unlock()

	for _, result := range results {
		p.HandleResult(result)
	}
}

// PruneOutside drops every tracked document whose path the keep function
// rejects, cancelling any running pass. Invoked when context roots change.
func (p *Pipeline) PruneOutside(keep func(path string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, doc := range p.docs {
		if keep(path) {
			continue
		}
		if doc.inflight != nil {
			doc.inflight.cancel()
		}
		delete(p.docs, path)
	}
}

// Quiescent reports whether no pass is currently in flight.
func (p *Pipeline) Quiescent() bool {
	return p.active.Load() == 0
}

// Result returns the cached resolved result for a path.
func (p *Pipeline) Result(path string) (*analysis.ResolvedResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.docs[path]
	if !ok || doc.result == nil {
		return nil, false
	}
	return doc.result, true
}

// Batches returns a snapshot of the last published batch per path.
func (p *Pipeline) Batches() map[string][]diag.Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]diag.Diagnostic, len(p.docs))
	for path, doc := range p.docs {
		if doc.lastBatch != nil {
			out[path] = doc.lastBatch
		}
	}
	return out
}

// TotalDiagnostics counts diagnostics across all last published batches.
func (p *Pipeline) TotalDiagnostics() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, doc := range p.docs {
		total += len(doc.lastBatch)
	}
	return total
}

func (p *Pipeline) runPass(ctx context.Context, result *analysis.ResolvedResult, inf *inflight) {
	defer p.active.Add(-1)
	// The pass context must not outlive the pass: anything waiting on its
	// Done channel is released however the pass ends
	defer inf.cancel()

	suppressions := suppress.ForFile(result.Source)
	if suppressions.All {
		// File-wide wildcard: skip invoking the linter entirely
		p.log.Debugw("file-wide wildcard suppression, skipping lint pass",
			"path", result.Path,
		)
		p.complete(result.Path, inf, []diag.Diagnostic{})
		return
	}

	items, errs, invokeErr := p.invoke(ctx, result)
	if invokeErr != nil {
		batch := []diag.Diagnostic{}
		if synthetic := p.remap(invokeErr, result); synthetic != nil {
			batch = append(batch, *synthetic)
		}
		p.complete(result.Path, inf, batch)
		return
	}

	filtered := make(chan diag.Diagnostic)
	go func() {
		defer close(filtered)
		for d := range items {
			if suppressions.Suppresses(d.Code) {
				continue
			}
			if suppress.IsLineSuppressed(&d, result.Lines, result.Source) {
				continue
			}
			select {
			case filtered <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	agg := stream.Collect(stream.Source[diag.Diagnostic]{
		Items:  filtered,
		Errs:   errs,
		Cancel: inf.cancel,
	})
	go func() {
		<-ctx.Done()
		agg.Cancel()
	}()

	batch, err := agg.Result()
	if err != nil {
		// Superseded by a newer result for this path; the batch is dropped
		return
	}
	if batch == nil {
		batch = []diag.Diagnostic{}
	}

	// Linter errors forwarded during the pass become at most one synthetic
	// diagnostic each, after being reported to the sink
	for _, lintErr := range agg.ProducerErrors() {
		if synthetic := p.remap(lintErr, result); synthetic != nil {
			batch = append(batch, *synthetic)
		}
	}

	p.complete(result.Path, inf, batch)
}

// invoke calls the linter, converting a synchronous panic into an error.
func (p *Pipeline) invoke(ctx context.Context, result *analysis.ResolvedResult) (items <-chan diag.Diagnostic, errs <-chan error, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("lint plugin panicked: %v", r)
		}
	}()
	items, errs = p.linter.GetDiagnostics(ctx, result)
	return items, errs, nil
}

// complete publishes the batch unless the pass was superseded while it ran.
func (p *Pipeline) complete(path string, inf *inflight, batch []diag.Diagnostic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.docs[path]
	if !ok || doc.inflight != inf {
		// A newer result replaced this pass, or the document was pruned
		return
	}
	doc.inflight = nil
	doc.lastBatch = batch
	if p.publish != nil {
		p.publish(path, batch)
	}
}

// remap converts an uncaught linter error into at most one synthetic
// diagnostic anchored at the top of the analyzed document, after reporting
// the error to the sink.
func (p *Pipeline) remap(lintErr error, result *analysis.ResolvedResult) *diag.Diagnostic {
	stack := errors.StackText(lintErr)
	if p.sink != nil {
		p.sink.ReportError(lintErr, stack)
	}
	p.log.Errorw("lint plugin failed during diagnostic production",
		"path", result.Path,
		"error", lintErr,
	)

	if !p.includeBuiltIns.Load() {
		return nil
	}
	frame, ok := p.locator.Locate(stack)
	if !ok {
		return nil
	}
	content, err := p.readFile(frame.Path)
	if err != nil {
		return nil
	}

	column := frame.Column
	if column < 1 {
		column = 1
	}
	frameIx := analysis.NewLineIndex(string(content))
	frameOffset := frameIx.Offset(frame.Line, column)

	// Anchor at the first two lines of the analyzed document
	endLine := 2
	if result.Lines.LineCount() < 2 {
		endLine = 1
	}
	endOffset := result.Lines.LineStart(endLine) + len(result.Lines.LineText(result.Source, endLine))

	return &diag.Diagnostic{
		Severity: diag.SeverityError,
		Kind:     diag.KindLint,
		Code:     SyntheticCode,
		Message:  "A lint plugin threw an exception: " + lintErr.Error(),
		Location: diag.Location{
			Path:        result.Path,
			Offset:      0,
			Length:      endOffset,
			StartLine:   1,
			StartColumn: 1,
			EndLine:     endLine,
			EndColumn:   len(result.Lines.LineText(result.Source, endLine)) + 1,
		},
		ContextMessages: []diag.ContextMessage{{
			Message: lintErr.Error(),
			Location: diag.Location{
				Path:        frame.Path,
				Offset:      frameOffset,
				Length:      1,
				StartLine:   frame.Line,
				StartColumn: column,
			},
		}},
	}
}
