package analysis

import (
	"context"
	"strings"
	"sync"
)

// FakeEngine is a scripted Engine for tests and the in-process runner. Pushed
// results fan out to every subscriber whose root contains the result's path.
type FakeEngine struct {
	mu   sync.Mutex
	subs []fakeSub
}

type fakeSub struct {
	root string
	ch   chan *ResolvedResult
	done <-chan struct{}
}

// NewFakeEngine creates an engine with no subscribers.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

// Subscribe implements Engine.
func (e *FakeEngine) Subscribe(ctx context.Context, root string) (<-chan *ResolvedResult, error) {
	ch := make(chan *ResolvedResult, 16)
	e.mu.Lock()
	e.subs = append(e.subs, fakeSub{root: root, ch: ch, done: ctx.Done()})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.ch == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

// Push delivers a resolved result to matching subscribers.
func (e *FakeEngine) Push(result *ResolvedResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.subs {
		if !strings.HasPrefix(result.Path, s.root) {
			continue
		}
		select {
		case s.ch <- result:
		case <-s.done:
		}
	}
}

// Resolve is a convenience constructor that builds a valid result with its
// line index derived from source.
func Resolve(path, source string) *ResolvedResult {
	return &ResolvedResult{
		Path:   path,
		Source: source,
		Lines:  NewLineIndex(source),
		Exists: true,
	}
}
