package transport

import (
	"sync"

	"github.com/TimWhiting/dart-custom-lint/errors"
	"github.com/TimWhiting/dart-custom-lint/internal/protocol"
)

// Inproc is one end of an in-memory transport pair. Used by tests and by
// the single-process runner where broker and worker share an address space.
type Inproc struct {
	out    chan protocol.Message
	in     chan protocol.Message
	closed chan struct{}
	peer   <-chan struct{}
	once   sync.Once
}

// InprocPair creates two connected in-memory transports.
func InprocPair(buffer int) (*Inproc, *Inproc) {
	ab := make(chan protocol.Message, buffer)
	ba := make(chan protocol.Message, buffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &Inproc{out: ab, in: ba, closed: aClosed, peer: bClosed}
	b := &Inproc{out: ba, in: ab, closed: bClosed, peer: aClosed}
	return a, b
}

// Send implements Transport.
func (t *Inproc) Send(msg protocol.Message) error {
	select {
	case <-t.closed:
		return errors.Wrap(errors.ErrChannelClosed, "inproc send")
	case <-t.peer:
		return errors.Wrap(errors.ErrChannelClosed, "inproc peer closed")
	case t.out <- msg:
		return nil
	}
}

// Receive implements Transport. The returned channel closes when either end
// closes.
func (t *Inproc) Receive() <-chan protocol.Message {
	out := make(chan protocol.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-t.closed:
				return
			case <-t.peer:
				// Drain messages the peer sent before closing
				for {
					select {
					case msg := <-t.in:
						select {
						case out <- msg:
						case <-t.closed:
							return
						}
					default:
						return
					}
				}
			case msg := <-t.in:
				select {
				case out <- msg:
				case <-t.closed:
					return
				}
			}
		}
	}()
	return out
}

// Close implements Transport.
func (t *Inproc) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
