// Package channel manages the plugin worker process: spawn, version
// handshake, context-set propagation, hot reload, shutdown, and crash
// surfacing. It owns the only transport to the worker and correlates every
// forwarded request to its response by id.
package channel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
	"github.com/TimWhiting/dart-custom-lint/internal/transport"
	"github.com/TimWhiting/dart-custom-lint/logger"
)

// Spawner starts a new worker process and returns its transport.
type Spawner func(ctx context.Context) (transport.Transport, error)

// Delegate observes error and print events for telemetry. Implementations
// must be safe for concurrent use; calls carry the plugin identity and the
// context roots active when the event arrived.
type Delegate interface {
	OnPluginError(plugin string, roots []protocol.ContextRoot, message, stack string)
	OnPluginPrint(plugin string, roots []protocol.ContextRoot, line string)
}

// Identity is the broker-side metadata sent to the worker in the handshake
// acceptance.
type Identity struct {
	Name        string
	Version     string
	ContactInfo string
}

// Config configures a Channel.
type Config struct {
	// PluginName identifies the worker in logs and delegate calls.
	PluginName string
	Spawn      Spawner
	// ServerVersion is compared against the worker's declared minimum
	// server version during the handshake.
	ServerVersion string
	Identity     Identity
	Delegate     Delegate
	// Notify relays worker-originated notifications toward the host. Must
	// not block.
	Notify func(protocol.Message)
	Logger *zap.SugaredLogger
}

// session is one spawned worker process. A force reload tears the current
// session down and starts a fresh one.
type session struct {
	tr         transport.Transport
	handshake  chan struct{} // closed once the version handshake succeeded
	terminated chan struct{} // closed once the transport's receive loop ended
}

// Channel is the broker's handle on the plugin worker. See State for the
// lifecycle.
type Channel struct {
	cfg Config
	log *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	sess      *session
	pending   map[string]chan protocol.Message
	lastRoots []protocol.ContextRoot
	hello     *protocol.WorkerHello
}

// New creates a channel in the NotSpawned state. The worker is spawned
// lazily by the first SetContextSet call.
func New(cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Channel{
		cfg:     cfg,
		log:     log,
		state:   StateNotSpawned,
		pending: make(map[string]chan protocol.Message),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the worker's handshake announcement, if one completed.
func (c *Channel) Hello() (protocol.WorkerHello, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hello == nil {
		return protocol.WorkerHello{}, false
	}
	return *c.hello, true
}

// ContextRoots returns the last context set delivered (or queued for
// delivery) to the worker.
func (c *Channel) ContextRoots() []protocol.ContextRoot {
	c.mu.Lock()
	defer c.mu.Unlock()
	roots := make([]protocol.ContextRoot, len(c.lastRoots))
	copy(roots, c.lastRoots)
	return roots
}

// SetContextSet delivers a new context set to the worker, spawning it first
// if necessary. The call blocks until the version handshake has resolved;
// delivering roots before the handshake is a protocol violation. Idempotent:
// a second call with the worker already Ready sends an update without
// respawning.
func (c *Channel) SetContextSet(ctx context.Context, roots []protocol.ContextRoot) error {
	c.mu.Lock()
	switch c.state {
	case StateShuttingDown, StateTerminated:
		c.mu.Unlock()
		return errors.Wrap(errors.ErrWorkerTerminated, "set context set")
	case StateNotSpawned:
		if err := c.spawnLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.lastRoots = roots
	sess := c.sess
	c.mu.Unlock()

	if err := c.awaitReady(ctx, sess); err != nil {
		return err
	}
	_, err := c.Request(ctx, protocol.MethodSetContextRoots, protocol.SetContextRootsParams{Roots: roots})
	return err
}

// ForceReload tears down the worker process and respawns it, replaying the
// last known context set once the new worker is Ready, then triggering a
// full re-lint of every tracked document.
func (c *Channel) ForceReload(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateShuttingDown, StateTerminated:
		c.mu.Unlock()
		return errors.Wrap(errors.ErrWorkerTerminated, "force reload")
	}
	sess := c.sess
	roots := c.lastRoots
	c.sess = nil
	c.state = StateNotSpawned
	c.hello = nil
	c.mu.Unlock()

	if sess != nil {
		sess.tr.Close()
		<-sess.terminated
	}
	if roots == nil {
		// Worker was never configured; nothing to replay
		return nil
	}

	c.log.Infow("reloading plugin worker", logger.FieldPlugin, c.cfg.PluginName)
	if err := c.SetContextSet(ctx, roots); err != nil {
		return errors.Wrap(err, "failed to replay context set after reload")
	}
	_, err := c.Request(ctx, protocol.MethodAwaitAnalysisDone, protocol.AwaitAnalysisDoneParams{Reload: true})
	return err
}

// Shutdown transitions to ShuttingDown, closes the transport, and refuses
// further messages. Safe to call before the worker ever spawned, and
// idempotent.
func (c *Channel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return nil
	}
	c.state = StateShuttingDown
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		// Best effort: let the worker exit cleanly before the transport goes
		req, err := protocol.NewRequest(uuid.NewString(), protocol.MethodShutdown, nil)
		if err == nil {
			sess.tr.Send(req)
		}
		sess.tr.Close()
		select {
		case <-sess.terminated:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	c.state = StateTerminated
	c.sess = nil
	c.mu.Unlock()
	return nil
}

// Forward sends a host request to the worker verbatim and returns the
// worker's response, correlated under the original request id.
func (c *Channel) Forward(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if msg.ID == "" {
		return protocol.Message{}, errors.AssertionFailedf("cannot forward a message without an id")
	}
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()
	if sess == nil || state == StateShuttingDown || state == StateTerminated {
		return protocol.Message{}, errors.Wrap(errors.ErrWorkerTerminated, "forward")
	}
	if err := c.awaitReady(ctx, sess); err != nil {
		return protocol.Message{}, err
	}
	return c.roundTrip(ctx, sess, msg)
}

// Request sends a broker-originated request to the worker under a fresh
// channel-unique id.
func (c *Channel) Request(ctx context.Context, method string, params any) (protocol.Message, error) {
	msg, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return protocol.Message{}, errors.Wrap(err, "failed to build request")
	}
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()
	if sess == nil {
		return protocol.Message{}, errors.Wrap(errors.ErrWorkerTerminated, "request")
	}
	if state == StateSpawned {
		// Nothing besides the handshake reply may reach the worker until the
		// handshake resolves
		return protocol.Message{}, errors.Wrapf(errors.ErrNotHandshaken, "request %s", method)
	}
	return c.roundTrip(ctx, sess, msg)
}

func (c *Channel) roundTrip(ctx context.Context, sess *session, msg protocol.Message) (protocol.Message, error) {
	// Correlation is strictly by id: responses may arrive in any order when
	// several requests are in flight
	respCh := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := sess.tr.Send(msg); err != nil {
		return protocol.Message{}, errors.Wrapf(err, "failed to send %s", msg.Method)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-sess.terminated:
		return protocol.Message{}, errors.Wrapf(errors.ErrChannelClosed, "awaiting response to %s", msg.Method)
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// spawnLocked starts the worker. Caller holds c.mu.
func (c *Channel) spawnLocked(ctx context.Context) error {
	tr, err := c.cfg.Spawn(ctx)
	if err != nil {
		c.log.Errorw("failed to spawn plugin worker",
			logger.FieldPlugin, c.cfg.PluginName,
			logger.FieldError, err,
		)
		return errors.Wrapf(err, "failed to spawn worker for %s", c.cfg.PluginName)
	}
	sess := &session{
		tr:         tr,
		handshake:  make(chan struct{}),
		terminated: make(chan struct{}),
	}
	c.sess = sess
	c.state = StateSpawned
	c.log.Infow("plugin worker spawned", logger.FieldPlugin, c.cfg.PluginName)
	go c.recvLoop(sess)
	return nil
}

func (c *Channel) awaitReady(ctx context.Context, sess *session) error {
	select {
	case <-sess.handshake:
		return nil
	case <-sess.terminated:
		return errors.Wrap(errors.ErrChannelClosed, "worker terminated before handshake")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) recvLoop(sess *session) {
	for msg := range sess.tr.Receive() {
		switch {
		case msg.IsResponse():
			c.routeResponse(msg)
		case msg.IsRequest():
			c.handleWorkerRequest(sess, msg)
		case msg.IsNotification():
			c.handleNotification(msg)
		}
	}
	c.onSessionEnd(sess)
}

func (c *Channel) routeResponse(msg protocol.Message) {
	c.mu.Lock()
	respCh, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warnw("response with no pending request",
			logger.FieldPlugin, c.cfg.PluginName,
			"request_id", msg.ID,
		)
		return
	}
	respCh <- msg
}

func (c *Channel) handleWorkerRequest(sess *session, msg protocol.Message) {
	if msg.Method != protocol.MethodWorkerHandshake {
		sess.tr.Send(protocol.NewErrorResponse(msg.ID, protocol.ErrorCodeUnknownRequest,
			"unsupported worker request: "+msg.Method, ""))
		return
	}
	c.completeHandshake(sess, msg)
}

// completeHandshake validates the worker's announced version range and
// replies with acceptance or a declared incompatibility.
func (c *Channel) completeHandshake(sess *session, msg protocol.Message) {
	var hello protocol.WorkerHello
	if err := json.Unmarshal(msg.Params, &hello); err != nil {
		sess.tr.Send(protocol.NewErrorResponse(msg.ID, protocol.ErrorCodePluginError,
			"malformed handshake", errors.StackText(errors.Wrap(err, "decode handshake"))))
		return
	}

	compatible, err := c.versionCompatible(hello.MinServerVersion)
	if err != nil {
		c.log.Warnw("unparsable minimum server version in handshake",
			logger.FieldPlugin, c.cfg.PluginName,
			"min_server_version", hello.MinServerVersion,
			logger.FieldError, err,
		)
		compatible = false
	}

	result := protocol.VersionCheckResult{
		IsCompatible: compatible,
		Name:         c.cfg.Identity.Name,
		Version:      c.cfg.Identity.Version,
		ContactInfo:  c.cfg.Identity.ContactInfo,
	}
	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return
	}
	if sendErr := sess.tr.Send(resp); sendErr != nil {
		return
	}

	if !compatible {
		// Declared rather than raised; the worker is expected to exit
		wrapped := errors.Wrapf(errors.ErrVersionIncompatible,
			"plugin %s %s requires server >= %s, have %s",
			hello.Name, hello.Version, hello.MinServerVersion, c.cfg.ServerVersion)
		c.log.Warnw("plugin version incompatible",
			logger.FieldPlugin, c.cfg.PluginName,
			"plugin_version", hello.Version,
			"min_server_version", hello.MinServerVersion,
			"server_version", c.cfg.ServerVersion,
		)
		if c.cfg.Delegate != nil {
			c.cfg.Delegate.OnPluginError(c.cfg.PluginName, c.ContextRoots(),
				wrapped.Error(), errors.StackText(wrapped))
		}
		return
	}

	c.mu.Lock()
	c.hello = &hello
	if c.sess == sess && c.state == StateSpawned {
		c.state = StateReady
	}
	c.mu.Unlock()
	close(sess.handshake)
	c.log.Infow("plugin worker ready",
		logger.FieldPlugin, c.cfg.PluginName,
		"plugin_version", hello.Version,
		"interesting_files", hello.InterestingFiles,
	)
}

// versionCompatible rejects the worker when its stated minimum server
// version exceeds ours. An empty minimum accepts any server.
func (c *Channel) versionCompatible(minServer string) (bool, error) {
	if minServer == "" {
		return true, nil
	}
	min, err := semver.NewVersion(minServer)
	if err != nil {
		return false, errors.Wrapf(err, "invalid minimum server version %q", minServer)
	}
	have, err := semver.NewVersion(c.cfg.ServerVersion)
	if err != nil {
		return false, errors.Wrapf(err, "invalid server version %q", c.cfg.ServerVersion)
	}
	return !min.GreaterThan(have), nil
}

// handleNotification classifies worker events. Error and print events hit
// the delegate exactly once each, in addition to being relayed to the host.
func (c *Channel) handleNotification(msg protocol.Message) {
	switch msg.Event {
	case protocol.EventPluginError:
		var params protocol.PluginErrorParams
		if err := json.Unmarshal(msg.Params, &params); err == nil && c.cfg.Delegate != nil {
			c.cfg.Delegate.OnPluginError(c.cfg.PluginName, c.ContextRoots(), params.Message, params.StackTrace)
		}
	case protocol.EventPrint:
		var params protocol.PrintParams
		if err := json.Unmarshal(msg.Params, &params); err == nil && c.cfg.Delegate != nil {
			c.cfg.Delegate.OnPluginPrint(c.cfg.PluginName, c.ContextRoots(), params.Message)
		}
	}
	if c.cfg.Notify != nil {
		c.cfg.Notify(msg)
	}
}

// onSessionEnd runs when a session's receive channel closes. An end outside
// shutdown or reload is a crash: pending requests fail and the channel
// becomes spawnable again.
func (c *Channel) onSessionEnd(sess *session) {
	c.mu.Lock()
	crashed := false
	if c.sess == sess {
		if c.state == StateSpawned || c.state == StateReady {
			crashed = true
			c.state = StateNotSpawned
			c.hello = nil
		}
		c.sess = nil
	}
	// Every request still waiting on this session must fail now; responses
	// can no longer arrive
	orphaned := c.pending
	c.pending = make(map[string]chan protocol.Message)
	roots := make([]protocol.ContextRoot, len(c.lastRoots))
	copy(roots, c.lastRoots)
	c.mu.Unlock()

	close(sess.terminated)
	for id := range orphaned {
		c.log.Debugw("dropping pending request after channel close",
			logger.FieldPlugin, c.cfg.PluginName,
			"request_id", id,
		)
	}

	if crashed {
		err := errors.Wrapf(errors.ErrChannelClosed, "plugin %s worker exited unexpectedly", c.cfg.PluginName)
		c.log.Errorw("plugin worker crashed", logger.FieldPlugin, c.cfg.PluginName)
		if c.cfg.Delegate != nil {
			c.cfg.Delegate.OnPluginError(c.cfg.PluginName, roots, err.Error(), errors.StackText(err))
		}
	}
}
