// Package broker implements the host-facing request router. It answers a
// fixed set of request kinds locally, forwards everything else to the plugin
// worker channels, and multiplexes worker-originated events into host-bound
// notifications. Every request handler runs inside an error boundary; a
// failure becomes an error response, never a broker crash.
package broker

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/channel"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
	"github.com/TimWhiting/dart-custom-lint/internal/transport"
)

// Delegate observes plugin error and print events. It is the channel
// delegate re-exported so embedders only import this package.
type Delegate = channel.Delegate

// Config configures a Broker.
type Config struct {
	// Host is the transport to the analysis host. The broker owns it and
	// closes it on shutdown.
	Host transport.Transport
	// Channels are the plugin worker channels the broker routes to. Each
	// must have been built with Notify set to the broker's NotifyHost.
	Channels []*channel.Channel
	// Identity is reported to the host in the version check response.
	Identity channel.Identity
	Delegate Delegate
	Logger   *zap.SugaredLogger
}

// Broker routes host requests per the dispatch table: version check, set
// context roots, and shutdown are handled locally; any other request kind is
// forwarded to the worker channels and the response routed back under the
// original request id. Forwarded requests block only their own correlation
// id; concurrent requests dispatch independently.
type Broker struct {
	cfg Config
	log *zap.SugaredLogger

	sendMu sync.Mutex // serializes writes to the host transport

	mu          sync.Mutex
	hostVersion *protocol.VersionCheckParams
	roots       []protocol.ContextRoot
	shutdown    bool
}

// New creates a broker. Call Serve to start routing.
func New(cfg Config) *Broker {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broker{cfg: cfg, log: log}
}

// Serve reads host messages until the host transport closes or ctx is
// cancelled. Each request is dispatched on its own goroutine so a held
// forward never serializes unrelated requests.
func (b *Broker) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	recv := b.cfg.Host.Receive()
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-recv:
				if !ok {
					return nil
				}
				switch {
				case msg.IsRequest():
					g.Go(func() error {
						b.dispatch(ctx, msg)
						return nil
					})
				default:
					b.log.Debugw("ignoring non-request host message",
						"event", msg.Event,
						"id", msg.ID,
					)
				}
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// NotifyHost relays a worker-originated notification to the host. Safe for
// concurrent use; intended as the channel Notify callback.
func (b *Broker) NotifyHost(msg protocol.Message) {
	if !msg.IsNotification() {
		return
	}
	b.send(msg)
}

// ContextRoots returns the context set most recently received from the host.
func (b *Broker) ContextRoots() []protocol.ContextRoot {
	b.mu.Lock()
	defer b.mu.Unlock()
	roots := make([]protocol.ContextRoot, len(b.roots))
	copy(roots, b.roots)
	return roots
}

// AwaitCompletion blocks until every worker reports a quiescent pipeline,
// optionally forcing a full re-lint first. Workers poll internally at a
// fixed interval; this fans the request out and waits for all of them.
func (b *Broker) AwaitCompletion(ctx context.Context, reload bool) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range b.cfg.Channels {
		ch := ch
		g.Go(func() error {
			_, err := ch.Request(ctx, protocol.MethodAwaitAnalysisDone,
				protocol.AwaitAnalysisDoneParams{Reload: reload})
			return err
		})
	}
	return g.Wait()
}

// dispatch runs one host request through the error boundary and sends the
// response. Errors convert to an error response with stack text and also hit
// the delegate with the current context roots attached.
func (b *Broker) dispatch(ctx context.Context, msg protocol.Message) {
	resp, err := b.handle(ctx, msg)
	if err != nil {
		wrapped := errors.Wrapf(err, "request %s failed", msg.Method)
		b.log.Errorw("request handler failed",
			"method", msg.Method,
			"request_id", msg.ID,
			"error", wrapped,
		)
		b.reportError(wrapped)
		resp = protocol.NewErrorResponse(msg.ID, protocol.ErrorCodePluginError,
			wrapped.Error(), errors.StackText(wrapped))
	}
	b.send(resp)

	// The shutdown response must reach the host before teardown
	if err == nil && msg.Method == protocol.MethodShutdown {
		b.teardown(ctx)
	}
}

// handle is the dispatch table. A panic in any arm is recovered into an
// error so the boundary in dispatch can respond.
func (b *Broker) handle(ctx context.Context, msg protocol.Message) (resp protocol.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic handling %s: %v", msg.Method, r)
		}
	}()

	switch msg.Method {
	case protocol.MethodVersionCheck:
		return b.handleVersionCheck(msg)
	case protocol.MethodSetContextRoots:
		return b.handleSetContextRoots(ctx, msg)
	case protocol.MethodShutdown:
		return b.handleShutdown(msg)
	default:
		return b.forward(ctx, msg)
	}
}

// handleVersionCheck records the host's declared version. A second version
// check on the same connection is a programming error on the host's side.
func (b *Broker) handleVersionCheck(msg protocol.Message) (protocol.Message, error) {
	var params protocol.VersionCheckParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.Message{}, errors.Wrap(err, "failed to decode version check params")
	}

	b.mu.Lock()
	if b.hostVersion != nil {
		b.mu.Unlock()
		return protocol.Message{}, errors.Wrapf(errors.ErrDuplicateVersionCheck,
			"host already declared version %s", b.hostVersion.Version)
	}
	b.hostVersion = &params
	b.mu.Unlock()

	b.log.Infow("host version recorded", "host_version", params.Version)
	return protocol.NewResponse(msg.ID, protocol.VersionCheckResult{
		IsCompatible: true,
		Name:         b.cfg.Identity.Name,
		Version:      b.cfg.Identity.Version,
		ContactInfo:  b.cfg.Identity.ContactInfo,
	})
}

// handleSetContextRoots stores the new context set and propagates it to every
// worker channel, spawning workers on first use.
func (b *Broker) handleSetContextRoots(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	var params protocol.SetContextRootsParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.Message{}, errors.Wrap(err, "failed to decode context roots")
	}

	b.mu.Lock()
	b.roots = params.Roots
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range b.cfg.Channels {
		ch := ch
		g.Go(func() error {
			return ch.SetContextSet(ctx, params.Roots)
		})
	}
	if err := g.Wait(); err != nil {
		return protocol.Message{}, err
	}
	return protocol.NewResponse(msg.ID, nil)
}

func (b *Broker) handleShutdown(msg protocol.Message) (protocol.Message, error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return protocol.Message{}, errors.Wrap(errors.ErrChannelClosed, "already shut down")
	}
	b.shutdown = true
	b.mu.Unlock()
	return protocol.NewResponse(msg.ID, nil)
}

// teardown closes every owned channel and then the host transport. Runs
// after the shutdown response has been sent.
func (b *Broker) teardown(ctx context.Context) {
	b.log.Infow("shutting down", "channels", len(b.cfg.Channels))
	for _, ch := range b.cfg.Channels {
		if err := ch.Shutdown(ctx); err != nil {
			b.log.Warnw("channel shutdown failed", "error", err)
		}
	}
	if err := b.cfg.Host.Close(); err != nil {
		b.log.Warnw("host transport close failed", "error", err)
	}
}

// forward is the catch-all arm: the request goes verbatim to the worker
// channels and exactly one response comes back under the original id. With
// several plugins the per-channel responses are merged.
func (b *Broker) forward(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if len(b.cfg.Channels) == 0 {
		return protocol.Message{}, errors.Wrapf(errors.ErrUnknownRequest,
			"no plugin to handle %s", msg.Method)
	}

	responses := make([]protocol.Message, len(b.cfg.Channels))
	g, ctx := errgroup.WithContext(ctx)
	for i, ch := range b.cfg.Channels {
		i, ch := i, ch
		g.Go(func() error {
			resp, err := ch.Forward(ctx, msg)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return protocol.Message{}, err
	}
	return b.mergeResponses(msg, responses)
}

// mergeResponses folds per-plugin responses into the single response the
// host expects. An error response from any plugin wins; fix lists
// concatenate; for anything else the first response stands.
func (b *Broker) mergeResponses(req protocol.Message, responses []protocol.Message) (protocol.Message, error) {
	if len(responses) == 1 {
		return responses[0], nil
	}
	for _, resp := range responses {
		if resp.Error != nil {
			return resp, nil
		}
	}
	if req.Method == protocol.MethodGetFixes {
		var merged protocol.GetFixesResult
		for _, resp := range responses {
			var result protocol.GetFixesResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return protocol.Message{}, errors.Wrap(err, "failed to decode fixes result")
			}
			merged.Fixes = append(merged.Fixes, result.Fixes...)
		}
		return protocol.NewResponse(req.ID, merged)
	}
	return responses[0], nil
}

// reportError surfaces a broker-level failure: the delegate hears it with
// the current context roots, and the host receives a plugin.error
// notification.
func (b *Broker) reportError(err error) {
	if b.cfg.Delegate != nil {
		b.cfg.Delegate.OnPluginError("", b.ContextRoots(), err.Error(), errors.StackText(err))
	}
	note, noteErr := protocol.NewNotification(protocol.EventPluginError, protocol.PluginErrorParams{
		Message:    err.Error(),
		StackTrace: errors.StackText(err),
	})
	if noteErr == nil {
		b.send(note)
	}
}

func (b *Broker) send(msg protocol.Message) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if err := b.cfg.Host.Send(msg); err != nil {
		b.log.Debugw("host send failed", "error", err, "id", msg.ID, "event", msg.Event)
	}
}
