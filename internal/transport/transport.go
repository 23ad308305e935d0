// Package transport abstracts the message channel between the broker and a
// plugin worker. Implementations exist over OS pipes (spawned process
// stdio), in-process channels, and WebSocket connections; the broker's logic
// never depends on which one is in use.
package transport

import "github.com/TimWhiting/dart-custom-lint/internal/protocol"

// Transport is an addressable bidirectional message channel.
//
// Receive's channel closes when the peer goes away or Close is called;
// consumers treat an unexpected close as a crash. Send returns
// errors.ErrChannelClosed after close.
type Transport interface {
	Send(msg protocol.Message) error
	Receive() <-chan protocol.Message
	Close() error
}
