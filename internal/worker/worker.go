// Package worker implements the plugin-side runtime: it announces itself to
// the broker, hosts the registered lint rules, feeds analysis results into
// one diagnostic pipeline per rule set, and answers the broker's control
// requests (context roots, config, quiescence, fixes, shutdown).
package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/analysis"
	"github.com/TimWhiting/dart-custom-lint/internal/diag"
	"github.com/TimWhiting/dart-custom-lint/internal/pipeline"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
	"github.com/TimWhiting/dart-custom-lint/internal/transport"
)

// Config configures a Runtime.
type Config struct {
	// Transport connects to the broker. The runtime owns it for the
	// duration of Run.
	Transport transport.Transport
	// Linters are the hosted rule sets; each gets its own pipeline.
	Linters []pipeline.Linter
	// Hello is the version announcement sent on startup.
	Hello protocol.WorkerHello
	// Engine produces resolved analysis results per context root.
	Engine analysis.Engine
	// IncludeBuiltInLints is the initial setting for synthetic diagnostics
	// from crashed rules. The broker can change it via setConfig.
	IncludeBuiltInLints bool
	// Locator attributes crashed rules to source frames.
	Locator pipeline.FrameLocator
	// PollInterval paces the quiescence poll answering awaitAnalysisDone.
	// Zero means 50ms.
	PollInterval time.Duration
	Logger       *zap.SugaredLogger
}

// Runtime is one plugin worker. Run drives it until shutdown.
type Runtime struct {
	cfg   Config
	log   *zap.SugaredLogger
	tr    transport.Transport
	pipes map[string]*pipeline.Pipeline

	notifyCh chan protocol.Message

	mu        sync.Mutex
	roots     []protocol.ContextRoot
	batches   map[string]map[string][]diag.Diagnostic // linter -> path -> batch
	subCancel context.CancelFunc
}

// New creates a runtime. Run performs the handshake and serves requests.
func New(cfg Config) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	r := &Runtime{
		cfg:      cfg,
		log:      log,
		tr:       cfg.Transport,
		pipes:    make(map[string]*pipeline.Pipeline),
		notifyCh: make(chan protocol.Message, 256),
		batches:  make(map[string]map[string][]diag.Diagnostic),
	}
	for _, linter := range cfg.Linters {
		name := linter.Name()
		r.batches[name] = make(map[string][]diag.Diagnostic)
		r.pipes[name] = pipeline.New(pipeline.Options{
			Linter:              linter,
			Publish:             r.publisherFor(name),
			Sink:                r,
			Locator:             cfg.Locator,
			IncludeBuiltInLints: cfg.IncludeBuiltInLints,
			Logger:              log.Named(name),
		})
	}
	return r
}

// Run announces the worker, then serves broker requests until the transport
// closes, the broker requests shutdown, or ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	recv := r.tr.Receive()

	go r.notifyLoop(ctx)

	if err := r.handshake(ctx, recv); err != nil {
		return err
	}
	r.log.Infow("worker ready",
		"linters", len(r.cfg.Linters),
		"version", r.cfg.Hello.Version,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-recv:
			if !ok {
				return errors.Wrap(errors.ErrChannelClosed, "broker transport closed")
			}
			if !msg.IsRequest() {
				continue
			}
			if msg.Method == protocol.MethodShutdown {
				r.respond(protocol.NewResponse(msg.ID, nil))
				r.stopSubscriptions()
				return r.tr.Close()
			}
			go r.dispatch(ctx, msg)
		}
	}
}

// TotalDiagnostics counts diagnostics in the last completed batch of every
// document across all hosted linters. Drives the CLI exit code.
func (r *Runtime) TotalDiagnostics() int {
	total := 0
	for _, p := range r.pipes {
		total += p.TotalDiagnostics()
	}
	return total
}

// Quiescent reports whether no pipeline pass is in flight.
func (r *Runtime) Quiescent() bool {
	for _, p := range r.pipes {
		if !p.Quiescent() {
			return false
		}
	}
	return true
}

// handshake sends the version announcement and blocks for the broker's
// verdict. An incompatibility declared in the response is fatal: the worker
// is expected to exit.
func (r *Runtime) handshake(ctx context.Context, recv <-chan protocol.Message) error {
	req, err := protocol.NewRequest(uuid.NewString(), protocol.MethodWorkerHandshake, r.cfg.Hello)
	if err != nil {
		return errors.Wrap(err, "failed to build handshake")
	}
	if err := r.tr.Send(req); err != nil {
		return errors.Wrap(err, "failed to send handshake")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-recv:
			if !ok {
				return errors.Wrap(errors.ErrChannelClosed, "transport closed during handshake")
			}
			if !msg.IsResponse() || msg.ID != req.ID {
				// Nothing else should flow before the handshake resolves
				r.log.Warnw("unexpected message during handshake", "id", msg.ID, "method", msg.Method)
				continue
			}
			if msg.Error != nil {
				return errors.Newf("handshake rejected: %s", msg.Error.Message)
			}
			var result protocol.VersionCheckResult
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				return errors.Wrap(err, "failed to decode handshake result")
			}
			if !result.IsCompatible {
				return errors.Wrapf(errors.ErrVersionIncompatible,
					"server %s %s rejected this worker", result.Name, result.Version)
			}
			return nil
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg protocol.Message) {
	resp, err := r.handle(ctx, msg)
	if err != nil {
		wrapped := errors.Wrapf(err, "worker request %s failed", msg.Method)
		r.log.Errorw("worker request failed", "method", msg.Method, "error", wrapped)
		r.ReportError(wrapped, errors.StackText(wrapped))
		resp = protocol.NewErrorResponse(msg.ID, protocol.ErrorCodePluginError,
			wrapped.Error(), errors.StackText(wrapped))
	}
	r.respond(resp, nil)
}

// respond sends a response to the broker. A response that failed to build is
// dropped; send failures are logged and otherwise ignored.
func (r *Runtime) respond(resp protocol.Message, err error) {
	if err != nil {
		r.log.Errorw("failed to build response", "error", err)
		return
	}
	if sendErr := r.tr.Send(resp); sendErr != nil {
		r.log.Debugw("response send failed", "id", resp.ID, "error", sendErr)
	}
}

func (r *Runtime) handle(ctx context.Context, msg protocol.Message) (resp protocol.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("panic handling %s: %v", msg.Method, rec)
		}
	}()

	switch msg.Method {
	case protocol.MethodSetContextRoots:
		return r.handleSetContextRoots(ctx, msg)
	case protocol.MethodSetConfig:
		return r.handleSetConfig(msg)
	case protocol.MethodAwaitAnalysisDone:
		return r.handleAwaitAnalysisDone(ctx, msg)
	case protocol.MethodGetFixes:
		return r.handleGetFixes(ctx, msg)
	default:
		return protocol.NewErrorResponse(msg.ID, protocol.ErrorCodeUnknownRequest,
			"unsupported request: "+msg.Method, ""), nil
	}
}

// handleSetContextRoots replaces the active context set: old engine
// subscriptions are cancelled, documents outside the new roots are evicted,
// and a fresh subscription starts per root.
func (r *Runtime) handleSetContextRoots(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	var params protocol.SetContextRootsParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.Message{}, errors.Wrap(err, "failed to decode context roots")
	}

	r.stopSubscriptions()

	subCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.roots = params.Roots
	r.subCancel = cancel
	r.mu.Unlock()

	keep := func(path string) bool { return r.underRoots(path, params.Roots) }
	for _, p := range r.pipes {
		p.PruneOutside(keep)
	}
	r.pruneBatches(keep)

	for _, root := range params.Roots {
		results, err := r.cfg.Engine.Subscribe(subCtx, root.Root)
		if err != nil {
			cancel()
			return protocol.Message{}, errors.Wrapf(err, "failed to subscribe to %s", root.Root)
		}
		go r.consume(results)
	}

	r.log.Infow("context roots replaced", "roots", len(params.Roots))
	return protocol.NewResponse(msg.ID, nil)
}

func (r *Runtime) handleSetConfig(msg protocol.Message) (protocol.Message, error) {
	var params protocol.SetConfigParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.Message{}, errors.Wrap(err, "failed to decode config")
	}
	for _, p := range r.pipes {
		p.SetIncludeBuiltInLints(params.IncludeBuiltInLints)
	}
	return protocol.NewResponse(msg.ID, nil)
}

// handleAwaitAnalysisDone optionally re-lints everything, then polls until
// every pipeline is quiescent before answering.
func (r *Runtime) handleAwaitAnalysisDone(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	var params protocol.AwaitAnalysisDoneParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return protocol.Message{}, errors.Wrap(err, "failed to decode await params")
		}
	}
	if params.Reload {
		for _, p := range r.pipes {
			p.RerunAll()
		}
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for !r.Quiescent() {
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-ticker.C:
		}
	}
	return protocol.NewResponse(msg.ID, nil)
}

func (r *Runtime) handleGetFixes(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	var params protocol.GetFixesParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.Message{}, errors.Wrap(err, "failed to decode fixes request")
	}

	var result protocol.GetFixesResult
	for _, linter := range r.cfg.Linters {
		provider, ok := linter.(pipeline.FixProvider)
		if !ok {
			continue
		}
		resolved, ok := r.pipes[linter.Name()].Result(params.Path)
		if !ok {
			continue
		}
		fixes, err := provider.GetFixes(ctx, resolved, params.Offset)
		if err != nil {
			return protocol.Message{}, errors.Wrapf(err, "fixes from %s", linter.Name())
		}
		result.Fixes = append(result.Fixes, fixes...)
	}
	return protocol.NewResponse(msg.ID, result)
}

// consume feeds one engine subscription into every pipeline.
func (r *Runtime) consume(results <-chan *analysis.ResolvedResult) {
	for result := range results {
		for _, p := range r.pipes {
			p.HandleResult(result)
		}
	}
}

// underRoots checks whether a path falls inside any context root.
func (r *Runtime) underRoots(path string, roots []protocol.ContextRoot) bool {
	for _, root := range roots {
		if strings.HasPrefix(path, strings.TrimSuffix(root.Root, "/")+"/") || path == root.Root {
			return true
		}
	}
	return false
}

func (r *Runtime) stopSubscriptions() {
	r.mu.Lock()
	cancel := r.subCancel
	r.subCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// publisherFor builds the per-linter batch publisher. It runs under the
// pipeline lock, so it only stores the batch and queues the merged
// notification; the send happens on the notify loop.
func (r *Runtime) publisherFor(linter string) pipeline.Publisher {
	return func(path string, batch []diag.Diagnostic) {
		r.mu.Lock()
		r.batches[linter][path] = batch
		merged := make([]diag.Diagnostic, 0, len(batch))
		for _, byPath := range r.batches {
			merged = append(merged, byPath[path]...)
		}
		r.mu.Unlock()

		note, err := protocol.NewNotification(protocol.EventAnalysisErrors,
			protocol.AnalysisErrorsParams{Path: path, Errors: merged})
		if err != nil {
			return
		}
		select {
		case r.notifyCh <- note:
		default:
			r.log.Warnw("notification queue full, dropping batch", "path", path)
		}
	}
}

func (r *Runtime) pruneBatches(keep func(path string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byPath := range r.batches {
		for path := range byPath {
			if !keep(path) {
				delete(byPath, path)
			}
		}
	}
}

// ReportError implements pipeline.ErrorSink: failures surface to the broker
// as plugin.error notifications.
func (r *Runtime) ReportError(err error, stack string) {
	note, noteErr := protocol.NewNotification(protocol.EventPluginError, protocol.PluginErrorParams{
		Message:    err.Error(),
		StackTrace: stack,
	})
	if noteErr != nil {
		return
	}
	select {
	case r.notifyCh <- note:
	default:
		r.log.Warnw("notification queue full, dropping error report", "error", err)
	}
}

func (r *Runtime) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-r.notifyCh:
			if err := r.tr.Send(note); err != nil {
				r.log.Debugw("notification send failed", "event", note.Event, "error", err)
			}
		}
	}
}
