package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
)

// Stdio speaks newline-delimited JSON over an existing reader/writer pair.
// It is the mirror image of Pipe: Pipe spawns the process and owns its
// stdio, Stdio is used by the process that already has the descriptors (the
// worker binary on its own stdin/stdout, or the broker toward the host).
type Stdio struct {
	w    io.Writer
	recv chan protocol.Message
	log  *zap.SugaredLogger

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewStdio wires a transport over r and w. Reading starts immediately; the
// receive channel closes on EOF or Close.
func NewStdio(r io.Reader, w io.Writer, log *zap.SugaredLogger) *Stdio {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Stdio{
		w:      w,
		recv:   make(chan protocol.Message, 64),
		log:    log,
		closed: make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

func (s *Stdio) readLoop(r io.Reader) {
	defer close(s.recv)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warnw("discarding malformed message", "error", err)
			continue
		}
		select {
		case s.recv <- msg:
		case <-s.closed:
			return
		}
	}
}

// Send implements Transport.
func (s *Stdio) Send(msg protocol.Message) error {
	select {
	case <-s.closed:
		return errors.Wrap(errors.ErrChannelClosed, "stdio send")
	default:
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(errors.ErrChannelClosed, err.Error())
	}
	return nil
}

// Receive implements Transport.
func (s *Stdio) Receive() <-chan protocol.Message {
	return s.recv
}

// Close implements Transport. The underlying descriptors are not closed;
// they belong to the process.
func (s *Stdio) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
