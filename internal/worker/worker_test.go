package worker

import (
	"context"
	"encoding/json"
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
	"github.com/TimWhiting/dart-custom-lint/internal/pipeline"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
	"github.com/TimWhiting/dart-custom-lint/internal/transport"
)

// =============================================================================
// Harness
// =============================================================================

// brokerEnd plays the broker side of the transport: it answers the worker's
// handshake and routes later messages by kind.
type brokerEnd struct {
	tr transport.Transport

	mu            sync.Mutex
	responses     map[string]chan protocol.Message
	notifications chan protocol.Message
	handshook     chan struct{}
	handshakeOnce sync.Once
}

func newBrokerEnd(t *testing.T, tr transport.Transport, compatible bool) *brokerEnd {
	b := &brokerEnd{
		tr:            tr,
		responses:     make(map[string]chan protocol.Message),
		notifications: make(chan protocol.Message, 256),
		handshook:     make(chan struct{}),
	}
	go func() {
		for msg := range tr.Receive() {
			switch {
			case msg.IsRequest() && msg.Method == protocol.MethodWorkerHandshake:
				resp, _ := protocol.NewResponse(msg.ID, protocol.VersionCheckResult{
					IsCompatible: compatible,
					Name:         "custom_lint server",
					Version:      "1.0.0",
				})
				tr.Send(resp)
				b.handshakeOnce.Do(func() { close(b.handshook) })
			case msg.IsNotification():
				b.notifications <- msg
			case msg.IsResponse():
				b.mu.Lock()
				ch, ok := b.responses[msg.ID]
				b.mu.Unlock()
				if ok {
					ch <- msg
				}
			}
		}
	}()
	return b
}

func (b *brokerEnd) call(t *testing.T, id, method string, params any) protocol.Message {
	t.Helper()
	respCh := make(chan protocol.Message, 1)
	b.mu.Lock()
	b.responses[id] = respCh
	b.mu.Unlock()

	msg, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, b.tr.Send(msg))

	select {
	case resp := <-respCh:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatalf("no response to %s", method)
		return protocol.Message{}
	}
}

// awaitBatch waits for the next diagnostic batch notification for path.
func (b *brokerEnd) awaitBatch(t *testing.T, path string) protocol.AnalysisErrorsParams {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case note := <-b.notifications:
			if note.Event != protocol.EventAnalysisErrors {
				continue
			}
			var params protocol.AnalysisErrorsParams
			require.NoError(t, json.Unmarshal(note.Params, &params))
			if params.Path == path {
				return params
			}
		case <-deadline:
			t.Fatalf("no diagnostic batch for %s", path)
		}
	}
}

// noisyLint reports one diagnostic per occurrence of "TODO" in the source.
func noisyLint() pipeline.Linter {
	return pipeline.LinterFunc{
		LintName: "noisy_lint",
		Fn: func(ctx context.Context, result *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			var out []diag.Diagnostic
			for line := 1; line <= result.Lines.LineCount(); line++ {
				text := result.Lines.LineText(result.Source, line)
				if !strings.Contains(text, "TODO") {
					continue
				}
				out = append(out, diag.Diagnostic{
					Severity: diag.SeverityWarning,
					Kind:     diag.KindLint,
					Code:     "todo_found",
					Message:  "found a TODO",
					Location: diag.Location{
						Path:      result.Path,
						StartLine: line, StartColumn: 1,
						EndLine: line, EndColumn: 2,
					},
				})
			}
			return out, nil
		},
	}
}

type fixture struct {
	broker  *brokerEnd
	engine  *analysis.FakeEngine
	runtime *Runtime
	runErr  chan error
}

func newFixture(t *testing.T, linters ...pipeline.Linter) *fixture {
	if len(linters) == 0 {
		linters = []pipeline.Linter{noisyLint()}
	}
	brokerSide, workerSide := transport.InprocPair(256)
	f := &fixture{
		engine: analysis.NewFakeEngine(),
		runErr: make(chan error, 1),
	}
	f.runtime = New(Config{
		Transport:           workerSide,
		Linters:             linters,
		Hello:               protocol.WorkerHello{Name: "test_lints", Version: "1.0.0"},
		Engine:              f.engine,
		IncludeBuiltInLints: true,
		PollInterval:        5 * time.Millisecond,
		Logger:              zaptest.NewLogger(t).Sugar(),
	})
	f.broker = newBrokerEnd(t, brokerSide, true)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { f.runErr <- f.runtime.Run(ctx) }()

	// The spec guarantees nothing reaches the worker before the handshake
	// resolves, so don't return until the broker side has answered it.
	select {
	case <-f.broker.handshook:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never completed handshake")
	}
	return f
}

func (f *fixture) setRoots(t *testing.T, roots ...string) {
	t.Helper()
	params := protocol.SetContextRootsParams{}
	for _, root := range roots {
		params.Roots = append(params.Roots, protocol.ContextRoot{Root: root})
	}
	resp := f.broker.call(t, "roots-"+roots[0], protocol.MethodSetContextRoots, params)
	require.Nil(t, resp.Error)
}

// =============================================================================
// Lint flow
// =============================================================================

func TestResultFlowsToBatchNotification(t *testing.T) {
	f := newFixture(t)
	f.setRoots(t, "/proj")

	f.engine.Push(analysis.Resolve("/proj/a.dart", "// TODO fix this\nvoid main() {}\n"))

	batch := f.broker.awaitBatch(t, "/proj/a.dart")
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, "todo_found", batch.Errors[0].Code)
	assert.Equal(t, 1, batch.Errors[0].Location.StartLine)
	assert.Equal(t, 1, f.runtime.TotalDiagnostics())
}

func TestSuppressedDiagnosticNeverLeavesWorker(t *testing.T) {
	f := newFixture(t)
	f.setRoots(t, "/proj")

	source := "// ignore_for_file: todo_found\n// TODO fix this\n"
	f.engine.Push(analysis.Resolve("/proj/a.dart", source))

	batch := f.broker.awaitBatch(t, "/proj/a.dart")
	assert.Empty(t, batch.Errors)
}

func TestPathOutsideRootsIgnored(t *testing.T) {
	f := newFixture(t)
	f.setRoots(t, "/proj")

	f.engine.Push(analysis.Resolve("/elsewhere/a.dart", "// TODO\n"))
	f.engine.Push(analysis.Resolve("/proj/b.dart", "// TODO\n"))

	batch := f.broker.awaitBatch(t, "/proj/b.dart")
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, 1, f.runtime.TotalDiagnostics())
}

func TestContextRootChangeEvictsOutsideDocuments(t *testing.T) {
	f := newFixture(t)
	f.setRoots(t, "/proj")

	f.engine.Push(analysis.Resolve("/proj/a.dart", "// TODO\n"))
	f.broker.awaitBatch(t, "/proj/a.dart")
	require.Equal(t, 1, f.runtime.TotalDiagnostics())

	f.setRoots(t, "/other")
	assert.Equal(t, 0, f.runtime.TotalDiagnostics())
}

// =============================================================================
// Control requests
// =============================================================================

func TestAwaitAnalysisDoneWithReloadRelints(t *testing.T) {
	f := newFixture(t)
	f.setRoots(t, "/proj")

	f.engine.Push(analysis.Resolve("/proj/a.dart", "// TODO\n"))
	f.broker.awaitBatch(t, "/proj/a.dart")

	resp := f.broker.call(t, "await-1", protocol.MethodAwaitAnalysisDone,
		protocol.AwaitAnalysisDoneParams{Reload: true})
	require.Nil(t, resp.Error)

	// The reload re-published the cached document
	batch := f.broker.awaitBatch(t, "/proj/a.dart")
	require.Len(t, batch.Errors, 1)
	assert.True(t, f.runtime.Quiescent())
}

func TestSetConfigTogglesSyntheticDiagnostics(t *testing.T) {
	crashing := pipeline.LinterFunc{
		LintName: "crashing_lint",
		Fn: func(ctx context.Context, result *analysis.ResolvedResult) ([]diag.Diagnostic, error) {
			return nil, errors.New("rule exploded")
		},
	}
	f := newFixture(t, crashing)
	f.setRoots(t, "/proj")

	resp := f.broker.call(t, "cfg-1", protocol.MethodSetConfig,
		protocol.SetConfigParams{IncludeBuiltInLints: false})
	require.Nil(t, resp.Error)

	f.engine.Push(analysis.Resolve("/proj/a.dart", "void main() {}\n"))
	batch := f.broker.awaitBatch(t, "/proj/a.dart")
	assert.Empty(t, batch.Errors, "synthetics disabled, crash yields an empty batch")
}

func TestGetFixesEmptyWithoutProviders(t *testing.T) {
	f := newFixture(t)
	f.setRoots(t, "/proj")
	f.engine.Push(analysis.Resolve("/proj/a.dart", "// TODO\n"))
	f.broker.awaitBatch(t, "/proj/a.dart")

	resp := f.broker.call(t, "fix-1", protocol.MethodGetFixes,
		protocol.GetFixesParams{Path: "/proj/a.dart", Offset: 3})
	require.Nil(t, resp.Error)

	var result protocol.GetFixesResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Empty(t, result.Fixes)
}

func TestUnknownRequestAnswered(t *testing.T) {
	f := newFixture(t)
	resp := f.broker.call(t, "odd-1", "no.suchMethod", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrorCodeUnknownRequest, resp.Error.Code)
}

func TestShutdownEndsRun(t *testing.T) {
	f := newFixture(t)

	resp := f.broker.call(t, "bye-1", protocol.MethodShutdown, nil)
	require.Nil(t, resp.Error)

	select {
	case err := <-f.runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after shutdown")
	}
}

func TestIncompatibleHandshakeIsFatal(t *testing.T) {
	brokerSide, workerSide := transport.InprocPair(16)
	newBrokerEnd(t, brokerSide, false)

	runtime := New(Config{
		Transport: workerSide,
		Linters:   []pipeline.Linter{noisyLint()},
		Hello:     protocol.WorkerHello{Name: "test_lints", Version: "1.0.0", MinServerVersion: "99.0.0"},
		Engine:    analysis.NewFakeEngine(),
		Logger:    zaptest.NewLogger(t).Sugar(),
	})
	err := runtime.Run(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected this worker")
}

// testContext substitutes for testing.T.Context (Go 1.24+): a context
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
