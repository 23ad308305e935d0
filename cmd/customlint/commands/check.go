package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/diag"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
	"github.com/TimWhiting/dart-custom-lint/internal/transport"
	"github.com/TimWhiting/dart-custom-lint/internal/version"
	"github.com/TimWhiting/dart-custom-lint/logger"
)

// CheckCmd runs the configured plugins over the given roots once.
var CheckCmd = &cobra.Command{
	Use:   "check [roots...]",
	Short: "Run the configured plugins over the given roots once and exit",
	Long: `Lint the given context roots (default: the working directory) with every
configured plugin, print the diagnostics, and exit 0 only when none were
found.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("check")
		if len(cfg.Plugins) == 0 {
			return errors.New("no plugins configured; add a [[plugins]] entry to custom_lint.toml")
		}

		roots := args
		if len(roots) == 0 {
			roots = []string{"."}
		}
		var contextRoots []protocol.ContextRoot
		for _, root := range roots {
			abs, err := filepath.Abs(root)
			if err != nil {
				return errors.Wrapf(err, "invalid root %s", root)
			}
			contextRoots = append(contextRoots, protocol.ContextRoot{Root: abs})
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		hostSide, brokerSide := transport.InprocPair(256)
		b, _, cleanup, err := buildBroker(ctx, cfg, brokerSide, log)
		if err != nil {
			return err
		}
		defer cleanup()
		go b.Serve(ctx)

		run := &checkRun{tr: hostSide, batches: make(map[string][]diag.Diagnostic)}
		go run.pump()

		if err := run.call(ctx, "check-version", protocol.MethodVersionCheck,
			protocol.VersionCheckParams{Version: version.ProtocolVersion}); err != nil {
			return err
		}
		if err := run.call(ctx, "check-roots", protocol.MethodSetContextRoots,
			protocol.SetContextRootsParams{Roots: contextRoots}); err != nil {
			return err
		}
		if err := b.AwaitCompletion(ctx, false); err != nil {
			return errors.Wrap(err, "failed to await analysis completion")
		}
		run.drain(200 * time.Millisecond)
		if err := run.call(ctx, "check-bye", protocol.MethodShutdown, nil); err != nil {
			log.Warnw("shutdown request failed", "error", err)
		}

		fatalWarnings, _ := cmd.Flags().GetBool("fatal-warnings")
		total := run.print(cmd)
		switch {
		case total == 0:
			fmt.Fprintln(cmd.OutOrStdout(), "No issues found!")
			return nil
		case fatalWarnings || run.hasErrors():
			return errors.Newf("%d issue(s) found", total)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%d issue(s) found, none fatal\n", total)
			return nil
		}
	},
}

func init() {
	CheckCmd.Flags().Bool("fatal-warnings", true, "Exit non-zero on warnings and infos, not just errors")
}

// checkRun plays the analysis host for one check invocation.
type checkRun struct {
	tr transport.Transport

	mu        sync.Mutex
	batches   map[string][]diag.Diagnostic
	responses map[string]chan protocol.Message
	lastNote  time.Time
}

func (r *checkRun) pump() {
	for msg := range r.tr.Receive() {
		switch {
		case msg.IsNotification():
			r.mu.Lock()
			r.lastNote = time.Now()
			if msg.Event == protocol.EventAnalysisErrors {
				var params protocol.AnalysisErrorsParams
				if err := json.Unmarshal(msg.Params, &params); err == nil {
					r.batches[params.Path] = params.Errors
				}
			}
			r.mu.Unlock()
		case msg.IsResponse():
			r.mu.Lock()
			ch, ok := r.responses[msg.ID]
			r.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (r *checkRun) call(ctx context.Context, id, method string, params any) error {
	respCh := make(chan protocol.Message, 1)
	r.mu.Lock()
	if r.responses == nil {
		r.responses = make(map[string]chan protocol.Message)
	}
	r.responses[id] = respCh
	r.mu.Unlock()

	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	if err := r.tr.Send(msg); err != nil {
		return errors.Wrapf(err, "failed to send %s", method)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return errors.Newf("%s failed: %s", method, resp.Error.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain waits until no notification has arrived for the given quiet period,
// so batches queued right before quiescence are not missed.
func (r *checkRun) drain(quiet time.Duration) {
	start := time.Now()
	deadline := start.Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		last := r.lastNote
		r.mu.Unlock()
		if last.IsZero() {
			last = start
		}
		if time.Since(last) >= quiet {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// hasErrors reports whether any received batch carries an ERROR diagnostic.
func (r *checkRun) hasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, batch := range r.batches {
		if diag.HasErrors(batch) {
			return true
		}
	}
	return false
}

// print writes diagnostics sorted by path and position; returns the count.
func (r *checkRun) print(cmd *cobra.Command) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.batches))
	for path := range r.batches {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	total := 0
	out := cmd.OutOrStdout()
	for _, path := range paths {
		batch := r.batches[path]
		sort.Slice(batch, func(i, j int) bool {
			if batch[i].Location.StartLine != batch[j].Location.StartLine {
				return batch[i].Location.StartLine < batch[j].Location.StartLine
			}
			return batch[i].Location.StartColumn < batch[j].Location.StartColumn
		})
		for _, d := range batch {
			total++
			fmt.Fprintf(out, "  %s:%d:%d • %s • %s • %s\n",
				path, d.Location.StartLine, d.Location.StartColumn,
				d.Message, d.Code, d.Severity)
		}
	}
	return total
}
