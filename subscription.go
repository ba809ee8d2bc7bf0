package firedoc

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// SubscriptionState is the lifecycle state of a Subscription.
type SubscriptionState string

const (
	// StateActive: subscribed and delivering values.
	StateActive SubscriptionState = "active"
	// StateErred: a terminal error was delivered. Subscriptions do not resume.
	StateErred SubscriptionState = "erred"
	// StateClosed: cancelled by the consumer or the underlying stream ended.
	StateClosed SubscriptionState = "closed"
)

const (
	eventFail  = "fail"
	eventClose = "close"
)

// Event is one delivery on a subscription: a value, or the terminal error.
type Event[T any] struct {
	Value T
	Err   error
}

// Subscription is a live stream of decoded snapshots. It owns the driver
// listeners behind it until Close is called, its context is cancelled, or a
// terminal error is delivered.
type Subscription[T any] struct {
	kind   string
	events chan Event[T]
	done   chan struct{}
	cancel context.CancelFunc
	state  *fsm.FSM

	mu  sync.Mutex
	err error

	logger  *zap.Logger
	metrics MetricsCollector
}

func newSubscription[T any](ctx context.Context, db *DB, kind string) (*Subscription[T], context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		kind:    kind,
		events:  make(chan Event[T]),
		done:    make(chan struct{}),
		cancel:  cancel,
		logger:  db.logger().With(zap.String("subscription", kind)),
		metrics: db.metrics(),
	}
	s.state = fsm.NewFSM(
		string(StateActive),
		fsm.Events{
			{Name: eventFail, Src: []string{string(StateActive)}, Dst: string(StateErred)},
			{Name: eventClose, Src: []string{string(StateActive)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("subscription state changed", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)
	s.metrics.SubscriptionOpened(kind)
	return s, ctx
}

// Events delivers values in the order the store reported them. After a
// terminal error event, or when the subscription closes, the channel is closed.
func (s *Subscription[T]) Events() <-chan Event[T] {
	return s.events
}

// Done is closed once the subscription has released its listeners.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close cancels the subscription and waits until every driver listener
// behind it is stopped. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription[T]) State() SubscriptionState {
	return SubscriptionState(s.state.Current())
}

// Err returns the terminal error, if one was delivered.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// emit hands v to the consumer; false means the subscription was cancelled.
func (s *Subscription[T]) emit(ctx context.Context, v T) bool {
	select {
	case s.events <- Event[T]{Value: v}:
		return true
	case <-ctx.Done():
		return false
	}
}

// run starts produce on its own goroutine. A non-nil error returned while
// the subscription is still live becomes the terminal error event.
func (s *Subscription[T]) run(ctx context.Context, op string, produce func(ctx context.Context) error) {
	go func() {
		defer close(s.done)
		defer close(s.events)
		defer s.cancel()

		err := s.produce(ctx, op, produce)
		if err != nil && ctx.Err() == nil {
			s.fail(ctx, op, err)
		} else {
			_ = s.state.Event(context.Background(), eventClose)
		}
		s.metrics.SubscriptionEnded(s.kind, s.State())
	}()
}

func (s *Subscription[T]) produce(ctx context.Context, op string, produce func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(op, r)
		}
	}()
	return produce(ctx)
}

func (s *Subscription[T]) fail(ctx context.Context, op string, err error) {
	err = Translate(op, err)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	_ = s.state.Event(context.Background(), eventFail)
	s.logger.Warn("subscription failed", zap.Error(err))

	select {
	case s.events <- Event[T]{Err: err}:
	case <-ctx.Done():
	}
}

// once emits v and closes, without touching the driver.
func (s *Subscription[T]) once(ctx context.Context, v T) *Subscription[T] {
	s.run(ctx, "", func(ctx context.Context) error {
		s.emit(ctx, v)
		return nil
	})
	return s
}

// failed returns a subscription whose only event is err.
func (s *Subscription[T]) failed(ctx context.Context, op string, err error) *Subscription[T] {
	s.run(ctx, op, func(context.Context) error { return err })
	return s
}
