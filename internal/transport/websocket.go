package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsCloseGrace   = time.Second
)

// WebSocket adapts an established websocket connection into a Transport.
// Used when the worker runs remotely (debug mode) instead of as a spawned
// child process.
type WebSocket struct {
	conn *websocket.Conn
	recv chan protocol.Message
	log  *zap.SugaredLogger

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewWebSocket wraps a connection. The read pump starts immediately.
func NewWebSocket(conn *websocket.Conn, log *zap.SugaredLogger) *WebSocket {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &WebSocket{
		conn:   conn,
		recv:   make(chan protocol.Message, 64),
		log:    log,
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// DialWebSocket connects to a remote worker's websocket endpoint.
func DialWebSocket(url string, log *zap.SugaredLogger) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial worker at %s", url)
	}
	return NewWebSocket(conn, log), nil
}

// UpgradeWebSocket upgrades an incoming HTTP request into a worker transport.
// Intended for the worker side of a remote setup.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) (*WebSocket, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade failed")
	}
	return NewWebSocket(conn, log), nil
}

func (t *WebSocket) readLoop() {
	defer close(t.recv)
	for {
		var msg protocol.Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			select {
			case <-t.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.log.Warnw("websocket read failed", "error", err)
				}
			}
			return
		}
		select {
		case t.recv <- msg:
		case <-t.closed:
			return
		}
	}
}

// Send implements Transport.
func (t *WebSocket) Send(msg protocol.Message) error {
	select {
	case <-t.closed:
		return errors.Wrap(errors.ErrChannelClosed, "websocket send")
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteJSON(msg); err != nil {
		return errors.Wrap(errors.ErrChannelClosed, err.Error())
	}
	return nil
}

// Receive implements Transport.
func (t *WebSocket) Receive() <-chan protocol.Message {
	return t.recv
}

// Close implements Transport. Sends a close frame, then drops the
// connection.
func (t *WebSocket) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(wsCloseGrace))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		t.conn.Close()
	})
	return nil
}
