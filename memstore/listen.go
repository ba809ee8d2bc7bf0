package memstore

import (
	"context"
	"reflect"
	"sync"

	"google.golang.org/api/iterator"
	"google.golang.org/grpc/status"

	"github.com/smarter-day/firedoc"
)

type result struct {
	value any
	err   error
}

// listener re-evaluates its target after every store change and queues a
// result whenever the target's state differs from the last one queued.
// After an error it stops evaluating.
type listener struct {
	eval func() (any, error) // runs under the store lock

	mu      sync.Mutex
	queue   []result
	last    any
	primed  bool
	failed  bool
	stopped bool
	signal  chan struct{}
}

func (s *Store) listen(eval func() (any, error)) *listener {
	l := &listener{eval: eval, signal: make(chan struct{}, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.listeners[l] = struct{}{}
	}
	l.evaluateLocked()
	return l
}

func (s *Store) unlisten(l *listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
	l.stop()
}

func (s *Store) notifyLocked() {
	for l := range s.listeners {
		l.evaluateLocked()
	}
}

func (l *listener) evaluateLocked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failed || l.stopped {
		return
	}
	v, err := l.eval()
	switch {
	case err != nil:
		l.failed = true
		l.queue = append(l.queue, result{err: err})
	case l.primed && reflect.DeepEqual(v, l.last):
		return
	default:
		l.primed = true
		l.last = v
		l.queue = append(l.queue, result{value: v})
	}
	l.wake()
}

func (l *listener) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *listener) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wake()
}

// next blocks until a result is queued, the listener stops or ctx ends.
func (l *listener) next(ctx context.Context) (any, error) {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil, iterator.Done
		}
		if len(l.queue) > 0 {
			r := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return r.value, r.err
		}
		l.mu.Unlock()

		select {
		case <-l.signal:
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

type docIterator struct {
	ctx   context.Context
	store *Store
	l     *listener
}

func (it *docIterator) Next() (firedoc.Snapshot, error) {
	v, err := it.l.next(it.ctx)
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (it *docIterator) Stop() { it.store.unlisten(it.l) }

type queryIterator struct {
	ctx   context.Context
	store *Store
	l     *listener
}

func (it *queryIterator) Next() ([]firedoc.Snapshot, error) {
	v, err := it.l.next(it.ctx)
	if err != nil {
		return nil, err
	}
	return toSnapshots(v.([]*snapshot)), nil
}

func (it *queryIterator) Stop() { it.store.unlisten(it.l) }
