package commands

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/config"
	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/broker"
	"github.com/TimWhiting/dart-custom-lint/internal/channel"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
	"github.com/TimWhiting/dart-custom-lint/internal/transport"
	"github.com/TimWhiting/dart-custom-lint/internal/version"
	"github.com/TimWhiting/dart-custom-lint/logger"
)

// ServeCmd speaks the host protocol on stdin/stdout.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an analysis host over stdin/stdout",
	Long: `Speak the host protocol on stdin/stdout.

The broker answers version check, context roots, and shutdown locally,
forwards everything else to the configured plugin workers, and relays
worker diagnostics back as notifications. Logs go to stderr; stdout
carries only protocol messages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("serve")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		host := transport.NewStdio(os.Stdin, os.Stdout, log)
		b, channels, cleanup, err := buildBroker(ctx, cfg, host, log)
		if err != nil {
			return err
		}
		defer cleanup()

		if cfg.Watch.Enabled {
			watcher, err := startWatcher(ctx, cfg, channels, log)
			if err != nil {
				return err
			}
			defer watcher.Stop()
		}

		log.Infow("serving analysis host",
			"plugins", len(cfg.Plugins),
			"transport", cfg.Transport.Kind,
		)
		return b.Serve(ctx)
	},
}

// loadConfig honors the persistent --config flag, falling back to the
// working-directory search.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// logDelegate routes plugin error and print events to the logger.
type logDelegate struct {
	log *zap.SugaredLogger
}

func (d *logDelegate) OnPluginError(plugin string, roots []protocol.ContextRoot, message, stack string) {
	d.log.Errorw("plugin error",
		"plugin", plugin,
		"roots", len(roots),
		"message", message,
	)
}

func (d *logDelegate) OnPluginPrint(plugin string, roots []protocol.ContextRoot, line string) {
	d.log.Infow("plugin output", "plugin", plugin, "line", line)
}

// buildBroker constructs the channels and the broker over the given host
// transport. The returned cleanup shuts the websocket listener down when one
// was started.
func buildBroker(ctx context.Context, cfg *config.Config, host transport.Transport, log *zap.SugaredLogger) (*broker.Broker, map[string]*channel.Channel, func(), error) {
	delegate := &logDelegate{log: log.Named("plugins")}
	cleanup := func() {}

	var registry *wsRegistry
	if cfg.Transport.Kind == config.TransportWebSocket {
		registry = newWSRegistry(log)
		server := &http.Server{Addr: cfg.Transport.ListenAddr, Handler: registry}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("websocket listener failed", "error", err)
			}
		}()
		cleanup = func() { server.Close() }
	}

	var b *broker.Broker
	channels := make(map[string]*channel.Channel, len(cfg.Plugins))
	var ordered []*channel.Channel
	for _, plugin := range cfg.Plugins {
		ch := channel.New(channel.Config{
			PluginName:    plugin.Name,
			ServerVersion: version.ProtocolVersion,
			Identity: channel.Identity{
				Name:    "custom_lint server",
				Version: version.ProtocolVersion,
			},
			Delegate: delegate,
			Notify:   func(msg protocol.Message) { b.NotifyHost(msg) },
			Logger:   log.Named(plugin.Name),
			Spawn:    spawnerFor(cfg, plugin, registry, log),
		})
		channels[plugin.Name] = ch
		ordered = append(ordered, ch)
	}

	b = broker.New(broker.Config{
		Host:     host,
		Channels: ordered,
		Identity: channel.Identity{
			Name:    "custom_lint server",
			Version: version.ProtocolVersion,
		},
		Delegate: delegate,
		Logger:   log.Named("broker"),
	})
	return b, channels, cleanup, nil
}

// spawnerFor selects the worker transport per the configured kind: spawn the
// binary over stdio pipes, or wait for the worker to dial in over websocket.
func spawnerFor(cfg *config.Config, plugin config.PluginConfig, registry *wsRegistry, log *zap.SugaredLogger) channel.Spawner {
	if cfg.Transport.Kind == config.TransportWebSocket {
		return func(ctx context.Context) (transport.Transport, error) {
			return registry.await(ctx, plugin.Name)
		}
	}
	return func(ctx context.Context) (transport.Transport, error) {
		env := envMap(plugin.Env)
		if env == nil {
			env = make(map[string]string, 2)
		}
		// Worker runtimes read these instead of having their own config file
		env["CUSTOM_LINT_LINT_AWAIT_POLL_MS"] = strconv.Itoa(int(cfg.AwaitPollInterval() / time.Millisecond))
		env["CUSTOM_LINT_LINT_INCLUDE_BUILT_IN_LINTS"] = strconv.FormatBool(cfg.Lint.IncludeBuiltInLints)
		return transport.SpawnPipe(ctx, transport.PipeConfig{
			Binary: plugin.Binary,
			Args:   plugin.Args,
			Env:    env,
			Logger: log.Named(plugin.Name),
		})
	}
}

func envMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	return env
}

// startWatcher wires the plugin binary watcher to forceReload.
func startWatcher(ctx context.Context, cfg *config.Config, channels map[string]*channel.Channel, log *zap.SugaredLogger) (*config.BinaryWatcher, error) {
	watcher, err := config.NewBinaryWatcher(cfg.Plugins, cfg.WatchDebounce(), log.Named("watch"))
	if err != nil {
		return nil, err
	}
	watcher.OnReload(func(plugin string) error {
		ch, ok := channels[plugin]
		if !ok {
			return nil
		}
		log.Infow("reloading plugin after binary change", "plugin", plugin)
		return ch.ForceReload(ctx)
	})
	watcher.Start()
	return watcher, nil
}

// wsRegistry hands dialed-in worker connections to waiting spawners. Workers
// connect to /?plugin=<name>.
type wsRegistry struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	waiting map[string]chan transport.Transport
}

func newWSRegistry(log *zap.SugaredLogger) *wsRegistry {
	return &wsRegistry{
		log:     log.Named("ws"),
		waiting: make(map[string]chan transport.Transport),
	}
}

func (r *wsRegistry) slot(plugin string) chan transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.waiting[plugin]
	if !ok {
		slot = make(chan transport.Transport, 1)
		r.waiting[plugin] = slot
	}
	return slot
}

func (r *wsRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	plugin := req.URL.Query().Get("plugin")
	if plugin == "" {
		http.Error(w, "missing plugin parameter", http.StatusBadRequest)
		return
	}
	ws, err := transport.UpgradeWebSocket(w, req, r.log.Named(plugin))
	if err != nil {
		r.log.Warnw("websocket upgrade failed", "plugin", plugin, "error", err)
		return
	}
	select {
	case r.slot(plugin) <- ws:
		r.log.Infow("worker connected", "plugin", plugin)
	default:
		r.log.Warnw("unexpected worker connection, rejecting", "plugin", plugin)
		ws.Close()
	}
}

// await blocks until the plugin's worker dials in.
func (r *wsRegistry) await(ctx context.Context, plugin string) (transport.Transport, error) {
	select {
	case tr := <-r.slot(plugin):
		return tr, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s to connect", plugin)
	}
}
