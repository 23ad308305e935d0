// Package stream provides a cancellable collector that materializes a
// lazily-produced sequence into a single batch.
package stream

import (
	"sync"

	"github.com/TimWhiting/dart-custom-lint/errors"
)

// ErrCancelled is returned by Result when the aggregation was cancelled
// before the source completed.
var ErrCancelled = errors.New("aggregation cancelled")

// Source describes a subscription to a lazily-produced sequence. Items
// arrive on Items until the producer closes it. Errors from the producer
// arrive on Errs; they do not terminate the sequence. Cancel unsubscribes
// from the producer.
type Source[T any] struct {
	Items  <-chan T
	Errs   <-chan error
	Cancel func()
}

// Aggregator collects every item emitted before the source closes into one
// ordered batch. Cancelling unsubscribes from the source exactly once and
// guarantees the batch is never delivered, even if the producer keeps
// running briefly afterwards.
type Aggregator[T any] struct {
	done     chan struct{}
	cancelCh chan struct{}

	once       sync.Once
	cancelOnce sync.Once

	mu       sync.Mutex
	batch    []T
	prodErrs []error
	outErr   error
}

// Collect starts aggregating the given source.
func Collect[T any](src Source[T]) *Aggregator[T] {
	a := &Aggregator[T]{
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
	go a.run(src)
	return a
}

func (a *Aggregator[T]) run(src Source[T]) {
	defer close(a.done)
	for {
		// The source is complete only once both channels are closed; a nil
		// channel arm blocks forever in the select below
		if src.Items == nil && src.Errs == nil {
			a.mu.Lock()
			batch := a.batch
			a.mu.Unlock()
			a.finish(batch, nil)
			return
		}
		select {
		case <-a.cancelCh:
			a.unsubscribe(src)
			a.finish(nil, ErrCancelled)
			return
		case err, ok := <-src.Errs:
			if !ok {
				src.Errs = nil
				continue
			}
			// Retained without folding into the batch and without
			// terminating accumulation; no producer error may be shed
			a.mu.Lock()
			a.prodErrs = append(a.prodErrs, err)
			a.mu.Unlock()
		case item, ok := <-src.Items:
			if !ok {
				src.Items = nil
				continue
			}
			a.mu.Lock()
			a.batch = append(a.batch, item)
			a.mu.Unlock()
		}
	}
}

func (a *Aggregator[T]) unsubscribe(src Source[T]) {
	if src.Cancel != nil {
		a.cancelOnce.Do(src.Cancel)
	}
}

func (a *Aggregator[T]) finish(batch []T, err error) {
	a.mu.Lock()
	a.batch = batch
	a.outErr = err
	a.mu.Unlock()
}

// Cancel stops listening to the source. Safe to call multiple times and
// after completion.
func (a *Aggregator[T]) Cancel() {
	a.once.Do(func() { close(a.cancelCh) })
}

// Done is closed once the aggregation completed or was cancelled.
func (a *Aggregator[T]) Done() <-chan struct{} {
	return a.done
}

// ProducerErrors returns the errors the producer emitted so far, in arrival
// order. The list is complete once Done is closed.
func (a *Aggregator[T]) ProducerErrors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]error, len(a.prodErrs))
	copy(out, a.prodErrs)
	return out
}

// Result blocks until the source closes or the aggregation is cancelled. It
// returns the ordered batch, or ErrCancelled.
func (a *Aggregator[T]) Result() ([]T, error) {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batch, a.outErr
}
