package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
)

// maxLineBytes bounds a single protocol line; diagnostic batches for large
// files can get big.
const maxLineBytes = 16 * 1024 * 1024

// Pipe is the production transport: a spawned worker process speaking
// newline-delimited JSON on stdin/stdout. Worker stderr lines surface on the
// receive channel as print notifications rather than being discarded.
type Pipe struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	recv   chan protocol.Message
	log    *zap.SugaredLogger

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// PipeConfig configures a spawned worker process.
type PipeConfig struct {
	Binary string
	Args   []string
	Env    map[string]string
	Logger *zap.SugaredLogger
}

// SpawnPipe starts the worker binary and wires its stdio into a transport.
func SpawnPipe(ctx context.Context, cfg PipeConfig) (*Pipe, error) {
	if _, err := os.Stat(cfg.Binary); err != nil {
		return nil, errors.Wrapf(err, "plugin binary not found: %s", cfg.Binary)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Binary, cfg.Args...)
	cmd.Env = os.Environ()
	for key, value := range cfg.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to open worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to open worker stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to open worker stderr")
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "failed to start worker %s", cfg.Binary)
	}

	p := &Pipe{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		recv:   make(chan protocol.Message, 64),
		log:    log,
		closed: make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.readLoop(stdout, &pumps)
	go p.stderrLoop(stderr, &pumps)
	go func() {
		pumps.Wait()
		// Reap the process; the receive channel closing is the crash signal
		// consumers observe
		if err := cmd.Wait(); err != nil {
			select {
			case <-p.closed:
				// expected during shutdown
			default:
				p.log.Warnw("worker process exited",
					"binary", cfg.Binary,
					"error", err,
				)
			}
		}
		close(p.recv)
	}()

	return p, nil
}

func (p *Pipe) readLoop(stdout io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			p.log.Warnw("discarding malformed worker message", "error", err)
			continue
		}
		select {
		case p.recv <- msg:
		case <-p.closed:
			return
		}
	}
}

func (p *Pipe) stderrLoop(stderr io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		note, err := protocol.NewNotification(protocol.EventPrint, protocol.PrintParams{
			Message: scanner.Text(),
		})
		if err != nil {
			continue
		}
		select {
		case p.recv <- note:
		case <-p.closed:
			return
		}
	}
}

// Send implements Transport.
func (p *Pipe) Send(msg protocol.Message) error {
	select {
	case <-p.closed:
		return errors.Wrap(errors.ErrChannelClosed, "pipe send")
	default:
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(errors.ErrChannelClosed, err.Error())
	}
	return nil
}

// Receive implements Transport.
func (p *Pipe) Receive() <-chan protocol.Message {
	return p.recv
}

// Close implements Transport. The worker gets EOF on stdin, then the process
// context is cancelled, which kills it if it has not exited by itself.
func (p *Pipe) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.stdin.Close()
		p.cancel()
	})
	return nil
}
