package pipeline

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/analysis"
	"github.com/TimWhiting/dart-custom-lint/internal/diag"
)

// =============================================================================
// Test helpers
// =============================================================================

type publishRecorder struct {
	mu      sync.Mutex
	batches map[string][][]diag.Diagnostic
	seen    map[string]int
}

func newPublishRecorder() *publishRecorder {
	return &publishRecorder{
		batches: make(map[string][][]diag.Diagnostic),
		seen:    make(map[string]int),
	}
}

func (r *publishRecorder) publish(path string, batch []diag.Diagnostic) {
	r.mu.Lock()
	r.batches[path] = append(r.batches[path], batch)
	r.mu.Unlock()
}

// wait blocks until a batch newer than the last one this helper returned for
// path has been published, then returns the newest batch.
func (r *publishRecorder) wait(t *testing.T, path string) []diag.Diagnostic {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		all := r.batches[path]
		if len(all) > r.seen[path] {
			r.seen[path] = len(all)
			batch := all[len(all)-1]
			r.mu.Unlock()
			return batch
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("no batch published for %s", path)
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *publishRecorder) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches[path])
}

type sinkRecorder struct {
	mu     sync.Mutex
	errs   []error
	stacks []string
}

func (s *sinkRecorder) ReportError(err error, stack string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	s.stacks = append(s.stacks, stack)
}

func (s *sinkRecorder) reported() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func lintDiag(code string, line int) diag.Diagnostic {
	return diag.Diagnostic{
		Severity: diag.SeverityWarning,
		Kind:     diag.KindLint,
		Code:     code,
		Message:  code + " reported",
		Location: diag.Location{Path: "/a.dart", StartLine: line, StartColumn: 1},
	}
}

func waitQuiescent(t *testing.T, p *Pipeline) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !p.Quiescent() {
		if time.Now().After(deadline) {
			t.Fatal("pipeline never became quiescent")
		}
		time.Sleep(time.Millisecond)
	}
}

// =============================================================================
// Suppression behaviour
// =============================================================================

func TestPassFiltersSuppressedDiagnostics(t *testing.T) {
	rec := newPublishRecorder()
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return []diag.Diagnostic{
				lintDiag("unused_x", 5),
				lintDiag("other_code", 5),
				lintDiag("banned_everywhere", 2),
			}, nil
		}},
		Publish: rec.publish,
		Logger:  zaptest.NewLogger(t).Sugar(),
	})

	source := "// ignore_for_file: banned_everywhere\n" +
		"line2\n" +
		"line3\n" +
		"// ignore: unused_x\n" +
		"var x = 1;\n"
	p.HandleResult(analysis.Resolve("/a.dart", source))

	batch := rec.wait(t, "/a.dart")
	require.Len(t, batch, 1)
	assert.Equal(t, "other_code", batch[0].Code)
}

func TestWildcardSkipsLinterEntirely(t *testing.T) {
	rec := newPublishRecorder()
	invoked := false
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			invoked = true
			return []diag.Diagnostic{lintDiag("anything", 2)}, nil
		}},
		Publish: rec.publish,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "code\n// ignore_for_file: type=lint\n"))

	batch := rec.wait(t, "/a.dart")
	assert.Empty(t, batch)
	assert.False(t, invoked, "linter must not run for a wildcard-suppressed file")
}

// =============================================================================
// Supersede-on-new-version
// =============================================================================

func TestNewerResultSupersedesSlowerPass(t *testing.T) {
	rec := newPublishRecorder()
	release := make(chan struct{})
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			if strings.Contains(r.Source, "slow") {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return []diag.Diagnostic{lintDiag("from_slow_pass", 1)}, nil
			}
			return []diag.Diagnostic{lintDiag("from_fast_pass", 1)}, nil
		}},
		Publish: rec.publish,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "slow version\n"))
	time.Sleep(5 * time.Millisecond)
	p.HandleResult(analysis.Resolve("/a.dart", "fast version\n"))

	batch := rec.wait(t, "/a.dart")
	require.Len(t, batch, 1)
	assert.Equal(t, "from_fast_pass", batch[0].Code)

	// Let the superseded pass finish; its batch must never surface
	close(release)
	waitQuiescent(t, p)
	assert.Equal(t, 1, rec.count("/a.dart"))
}

func TestCompletedPassesReleaseGoroutines(t *testing.T) {
	rec := newPublishRecorder()
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return []diag.Diagnostic{lintDiag("always", 1)}, nil
		}},
		Publish: rec.publish,
	})

	before := runtime.NumGoroutine()
	for i := 0; i < 100; i++ {
		p.HandleResult(analysis.Resolve("/a.dart", "line\n"))
		rec.wait(t, "/a.dart")
	}
	waitQuiescent(t, p)

	// Every finished pass must tear its helpers down; a long-running serve
	// loop cannot afford one stuck goroutine per re-lint
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 2*time.Second, 10*time.Millisecond,
		"goroutines before=%d after=%d", before, runtime.NumGoroutine())
}

// =============================================================================
// Failure remapping
// =============================================================================

type fixedLocator struct {
	frame Frame
	ok    bool
}

func (l fixedLocator) Locate(string) (Frame, bool) { return l.frame, l.ok }

func TestFailureRemappedToSyntheticDiagnostic(t *testing.T) {
	rec := newPublishRecorder()
	sink := &sinkRecorder{}

	// 12 lines so line 10 column 3 exists in the frame file
	frameFile := strings.Repeat("0123456789\n", 12)
	frameIx := analysis.NewLineIndex(frameFile)

	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return nil, errors.New("rule exploded")
		}},
		Publish:             rec.publish,
		Sink:                sink,
		Locator:             fixedLocator{frame: Frame{Path: "/proj/lib/rule.dart", Line: 10, Column: 3}, ok: true},
		IncludeBuiltInLints: true,
		ReadFile: func(path string) ([]byte, error) {
			require.Equal(t, "/proj/lib/rule.dart", path)
			return []byte(frameFile), nil
		},
	})

	p.HandleResult(analysis.Resolve("/a.dart", "first line\nsecond line\nthird line\n"))

	batch := rec.wait(t, "/a.dart")
	require.Len(t, batch, 1)

	synthetic := batch[0]
	assert.Equal(t, diag.SeverityError, synthetic.Severity)
	assert.Equal(t, SyntheticCode, synthetic.Code)
	assert.Contains(t, synthetic.Message, "rule exploded")
	// Anchored at lines 1-2 of the analyzed document
	assert.Equal(t, "/a.dart", synthetic.Location.Path)
	assert.Equal(t, 1, synthetic.Location.StartLine)
	assert.Equal(t, 2, synthetic.Location.EndLine)
	assert.Equal(t, 0, synthetic.Location.Offset)

	require.Len(t, synthetic.ContextMessages, 1)
	ctxMsg := synthetic.ContextMessages[0]
	assert.Equal(t, "/proj/lib/rule.dart", ctxMsg.Location.Path)
	assert.Equal(t, frameIx.Offset(10, 3), ctxMsg.Location.Offset)

	assert.Equal(t, 1, sink.reported())
}

func TestFailureWithoutBuiltInsStillReported(t *testing.T) {
	rec := newPublishRecorder()
	sink := &sinkRecorder{}
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return nil, errors.New("rule exploded")
		}},
		Publish:             rec.publish,
		Sink:                sink,
		Locator:             fixedLocator{frame: Frame{Path: "/proj/lib/rule.dart", Line: 1}, ok: true},
		IncludeBuiltInLints: false,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "line\n"))

	batch := rec.wait(t, "/a.dart")
	assert.Empty(t, batch, "error yields no diagnostic when built-ins are disabled")
	assert.Equal(t, 1, sink.reported(), "error is still telemetered")
}

// chattyFailingLinter emits nothing but a run of producer errors.
type chattyFailingLinter struct{ count int }

func (l chattyFailingLinter) Name() string { return "chatty" }

func (l chattyFailingLinter) GetDiagnostics(ctx context.Context, result *analysis.ResolvedResult) (<-chan diag.Diagnostic, <-chan error) {
	items := make(chan diag.Diagnostic)
	errs := make(chan error)
	go func() {
		defer close(items)
		defer close(errs)
		for i := 0; i < l.count; i++ {
			errs <- errors.Newf("rule %d exploded", i)
		}
	}()
	return items, errs
}

func TestEveryLinterErrorReachesSink(t *testing.T) {
	rec := newPublishRecorder()
	sink := &sinkRecorder{}
	p := New(Options{
		Linter:  chattyFailingLinter{count: 12},
		Publish: rec.publish,
		Sink:    sink,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "line\n"))
	rec.wait(t, "/a.dart")

	// No error may be shed, however many one pass produces
	require.Equal(t, 12, sink.reported())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.errs[11].Error(), "rule 11")
}

func TestFailureWithNoLocalFrameDropped(t *testing.T) {
	rec := newPublishRecorder()
	sink := &sinkRecorder{}
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return []diag.Diagnostic{lintDiag("survivor", 1)}, nil
		}},
		Publish:             rec.publish,
		Sink:                sink,
		Locator:             fixedLocator{ok: false},
		IncludeBuiltInLints: true,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "line\n"))

	batch := rec.wait(t, "/a.dart")
	require.Len(t, batch, 1)
	assert.Equal(t, "survivor", batch[0].Code)
}

func TestPanickingLinterRecovered(t *testing.T) {
	rec := newPublishRecorder()
	sink := &sinkRecorder{}
	p := New(Options{
		Linter:  panickyLinter{},
		Publish: rec.publish,
		Sink:    sink,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "line\n"))

	batch := rec.wait(t, "/a.dart")
	assert.Empty(t, batch)
	require.Equal(t, 1, sink.reported())
	assert.Contains(t, sink.errs[0].Error(), "panicked")
}

type panickyLinter struct{}

func (panickyLinter) Name() string { return "panicky" }

func (panickyLinter) GetDiagnostics(context.Context, *analysis.ResolvedResult) (<-chan diag.Diagnostic, <-chan error) {
	panic("boom at call time")
}

// =============================================================================
// Registry behaviour
// =============================================================================

func TestRerunAllRecomputesEveryDocument(t *testing.T) {
	rec := newPublishRecorder()
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			d := lintDiag("always", 1)
			d.Location.Path = r.Path
			return []diag.Diagnostic{d}, nil
		}},
		Publish: rec.publish,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "a\n"))
	p.HandleResult(analysis.Resolve("/b.dart", "b\n"))
	rec.wait(t, "/a.dart")
	rec.wait(t, "/b.dart")

	p.RerunAll()
	waitQuiescent(t, p)

	assert.Equal(t, 2, rec.count("/a.dart"))
	assert.Equal(t, 2, rec.count("/b.dart"))
}

func TestPruneOutsideDropsDocuments(t *testing.T) {
	rec := newPublishRecorder()
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return []diag.Diagnostic{lintDiag("always", 1)}, nil
		}},
		Publish: rec.publish,
	})

	p.HandleResult(analysis.Resolve("/proj/a.dart", "a\n"))
	p.HandleResult(analysis.Resolve("/other/b.dart", "b\n"))
	rec.wait(t, "/proj/a.dart")
	rec.wait(t, "/other/b.dart")

	p.PruneOutside(func(path string) bool {
		return strings.HasPrefix(path, "/proj/")
	})

	_, ok := p.Result("/proj/a.dart")
	assert.True(t, ok)
	_, ok = p.Result("/other/b.dart")
	assert.False(t, ok)

	batches := p.Batches()
	assert.Contains(t, batches, "/proj/a.dart")
	assert.NotContains(t, batches, "/other/b.dart")
}

func TestNonExistingResultIgnored(t *testing.T) {
	rec := newPublishRecorder()
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return nil, nil
		}},
		Publish: rec.publish,
	})

	p.HandleResult(&analysis.ResolvedResult{Path: "/gone.dart", Exists: false})
	p.HandleResult(nil)

	waitQuiescent(t, p)
	_, ok := p.Result("/gone.dart")
	assert.False(t, ok)
}

func TestTotalDiagnostics(t *testing.T) {
	rec := newPublishRecorder()
	p := New(Options{
		Linter: LinterFunc{LintName: "test", Fn: func(ctx context.Context, r *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return []diag.Diagnostic{lintDiag("one", 1), lintDiag("two", 1)}, nil
		}},
		Publish: rec.publish,
	})

	p.HandleResult(analysis.Resolve("/a.dart", "a\n"))
	rec.wait(t, "/a.dart")

	assert.Equal(t, 2, p.TotalDiagnostics())
}
