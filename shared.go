package mvi

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Stream is a read-only, subscribable sequence of values.
//
// Subscribe returns a channel that receives values until ctx is done or the
// stream is closed, after which the channel is closed.
type Stream[T any] interface {
	Subscribe(ctx context.Context) <-chan T
}

// Source produces the values of a shared stream. It runs until ctx is
// cancelled or it has nothing left to produce. emit never blocks.
type Source[T any] func(ctx context.Context, emit func(T)) error

// SharedConfig configures a Shared stream
type SharedConfig[T any] struct {
	// Replay delivers the latest value to every new subscriber
	Replay bool
	// Conflate keeps only the newest undelivered value per subscriber.
	// When false every subscriber receives every value in order.
	Conflate bool
	// Equal suppresses a value equal to the previously emitted one
	Equal func(a, b T) bool
	// Logger receives upstream failures
	Logger *zap.Logger
}

// Shared is a hot stream whose upstream is started and stopped by a
// SharingPolicy according to the number of live subscribers.
type Shared[T any] struct {
	name   string
	source Source[T]
	policy SharingPolicy
	cfg    SharedConfig[T]
	hub    *broadcaster[T]
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	emitMu  sync.Mutex
	last    T
	hasLast bool

	wg sync.WaitGroup
}

// NewShared creates a shared stream. The upstream does not run before Start.
func NewShared[T any](name string, source Source[T], policy SharingPolicy, cfg SharedConfig[T]) *Shared[T] {
	if policy == nil {
		policy = WhileSubscribed()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Shared[T]{
		name:   name,
		source: source,
		policy: policy,
		cfg:    cfg,
		hub:    newBroadcaster[T](cfg.Replay),
		logger: logger.With(zap.String("stream", name)),
	}
	s.hub.onCount = s.onCount
	return s
}

// Name returns the stream name used in diagnostics
func (s *Shared[T]) Name() string {
	return s.name
}

// Subscribe implements Stream. Subscriptions made before Start are counted
// by the launch reading.
func (s *Shared[T]) Subscribe(ctx context.Context) <-chan T {
	return s.hub.subscribe(ctx, s.cfg.Conflate)
}

// Subscribers returns the number of live subscribers
func (s *Shared[T]) Subscribers() int {
	return s.hub.count()
}

// Value returns the replayed value, if any
func (s *Shared[T]) Value() (T, bool) {
	return s.hub.value()
}

// Start binds the stream to ctx and takes the launch reading. When ctx is
// done the upstream stops and every subscription is closed.
func (s *Shared[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	context.AfterFunc(ctx, s.close)

	s.hub.withCount(func(count int) {
		if cmd, ok := s.policy.Decide(Launched, count); ok {
			s.apply(cmd)
		}
	})
	return nil
}

// Wait blocks until the upstream and every subscription have exited.
func (s *Shared[T]) Wait() {
	s.wg.Wait()
	s.hub.wait()
}

// Running reports whether the upstream is currently active
func (s *Shared[T]) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Shared[T]) onCount(prev, count int) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	// Transitions before Start are folded into the launch reading
	if !started {
		return
	}
	if cmd, ok := s.policy.Decide(prev, count); ok {
		s.apply(cmd)
	}
}

func (s *Shared[T]) apply(cmd SharingCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case SharingStart:
		if s.cancel != nil || s.ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithCancel(s.ctx)
		prev := s.done
		done := make(chan struct{})
		s.cancel = cancel
		s.done = done

		s.wg.Add(1)
		go s.run(runCtx, prev, done)

		s.logger.Debug("upstream started")

	case SharingStop, SharingStopAndReset:
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
			s.logger.Debug("upstream stopped", zap.Stringer("command", cmd))
		}
		if cmd == SharingStopAndReset {
			s.reset()
		}
	}
}

func (s *Shared[T]) run(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	// One upstream at a time, in start order
	if prev != nil {
		<-prev
	}
	if ctx.Err() != nil {
		return
	}

	err := s.source(ctx, s.emit)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("upstream failed", zap.Error(err))
	}
}

func (s *Shared[T]) emit(v T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.cfg.Equal != nil && s.hasLast && s.cfg.Equal(s.last, v) {
		return
	}
	s.last = v
	s.hasLast = true
	s.hub.publish(v)
}

func (s *Shared[T]) reset() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	var zero T
	s.last = zero
	s.hasLast = false
	s.hub.resetReplay()
}

func (s *Shared[T]) close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.hub.close()
}

// Filter returns a read-only view of src holding only the values keep accepts.
// Each subscription to the view is a single subscription to src.
func Filter[T any](src Stream[T], keep func(T) bool) Stream[T] {
	return &filtered[T]{src: src, keep: keep}
}

type filtered[T any] struct {
	src  Stream[T]
	keep func(T) bool
}

func (f *filtered[T]) Subscribe(ctx context.Context) <-chan T {
	in := f.src.Subscribe(ctx)
	out := make(chan T)

	go func() {
		defer close(out)
		for v := range in {
			if !f.keep(v) {
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
