package mvi

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the typed collaborators of a Store
type Config[S State[S, C], I any, C Command, V any] struct {
	// Reducer computes the next state for an intent. Required.
	Reducer Reducer[S, I]
	// InitialState is called exactly once, on first need. Required.
	InitialState func() S
	// ViewStateMapper projects the canonical state into the view state. Required.
	ViewStateMapper func(S) V
	// ExecuteAsyncCommand is invoked for every async command. Default is a no-op.
	ExecuteAsyncCommand AsyncCommandHandler[C]
	// StateEqual compares canonical states. Default is cmp.Equal.
	StateEqual func(a, b S) bool
	// ViewStateEqual compares view states. Default is cmp.Equal.
	ViewStateEqual func(a, b V) bool
}

// Stats is a snapshot of a store's counters
type Stats struct {
	UserSubmitted        uint64
	UserDropped          uint64
	AsyncSubmitted       uint64
	AsyncDropped         uint64
	Reduced              uint64
	Failed               uint64
	Commands             uint64
	AsyncCommandFailures uint64
}

type stats struct {
	userSubmitted        atomic.Uint64
	userDropped          atomic.Uint64
	asyncSubmitted       atomic.Uint64
	asyncDropped         atomic.Uint64
	reduced              atomic.Uint64
	failed               atomic.Uint64
	commands             atomic.Uint64
	asyncCommandFailures atomic.Uint64
}

// Store is a unidirectional state container: intents go in, a deduplicated
// view state and a stream of one-shot view commands come out.
//
// A Store is built in two phases. New wires every channel and stream; Start
// binds them to the owner's context and launches the loops. Cancelling that
// context stops everything.
type Store[S State[S, C], I any, C Command, V any] struct {
	id     string
	opts   *options
	logger *zap.Logger
	obs    Observability
	stats  *stats

	initial   func() S
	channels  *intentChannels[I]
	states    *broadcaster[S]
	pipeline  *pipeline[S, I, C]
	commands  *commandDistributor[S, C]
	viewState *Shared[V]

	closed chan struct{} // submissions are rejected once closed
	done   chan struct{} // every stream closed

	mu      sync.Mutex
	started bool
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// exportAll lets cmp compare unexported fields of user state types
var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

func defaultEqual[T any](a, b T) bool {
	return cmp.Equal(a, b, exportAll)
}

// New validates cfg and wires a store. Nothing runs before Start.
func New[S State[S, C], I any, C Command, V any](cfg Config[S, I, C, V], opts ...Option) (*Store[S, I, C, V], error) {
	if cfg.Reducer == nil {
		return nil, errors.New("mvi: reducer is required")
	}
	if cfg.InitialState == nil {
		return nil, errors.New("mvi: initial state is required")
	}
	if cfg.ViewStateMapper == nil {
		return nil, errors.New("mvi: view state mapper is required")
	}
	if cfg.ExecuteAsyncCommand == nil {
		cfg.ExecuteAsyncCommand = func(context.Context, C) error { return nil }
	}
	if cfg.StateEqual == nil {
		cfg.StateEqual = defaultEqual[S]
	}
	if cfg.ViewStateEqual == nil {
		cfg.ViewStateEqual = defaultEqual[V]
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.observability == nil {
		o.observability = noopObservability{}
	}

	s := &Store[S, I, C, V]{
		id:      o.id,
		opts:    o,
		logger:  o.logger.Named("mvi").With(zap.String("store", o.id)),
		obs:     o.observability,
		stats:   &stats{},
		initial: sync.OnceValue(cfg.InitialState),
		states:  newBroadcaster[S](true),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.channels = newIntentChannels[I](s.closed, s.logger, s.obs, s.stats)
	s.pipeline = &pipeline[S, I, C]{
		reducer:  cfg.Reducer,
		equal:    cfg.StateEqual,
		channels: s.channels,
		states:   s.states,
		failure:  o.reducerFailure,
		logger:   s.logger,
		obs:      s.obs,
		stats:    s.stats,
	}
	s.commands = newCommandDistributor[S, C](
		o.commandKinds,
		s.viewPolicy("view-commands"),
		cfg.ExecuteAsyncCommand,
		s.logger,
		s.obs,
		s.stats,
	)

	mapper := cfg.ViewStateMapper
	s.viewState = NewShared("view-state", func(ctx context.Context, emit func(V)) error {
		for state := range s.states.subscribe(ctx, true) {
			emit(mapper(state))
		}
		return nil
	}, s.viewPolicy("view-state"), SharedConfig[V]{
		Replay:   true,
		Conflate: true,
		Equal:    cfg.ViewStateEqual,
		Logger:   s.logger,
	})

	return s, nil
}

// viewPolicy keeps a public stream always active and applies the configured
// multi-subscription behaviour to it.
func (s *Store[S, I, C, V]) viewPolicy(stream string) SharingPolicy {
	if s.opts.multiSub == Allow {
		return Eagerly()
	}
	return Guarded(1, s.excessHandler(stream), Eagerly())
}

// excessHandler reports every excess reading. ThrowError panics only when a
// subscription arrives, so the panic surfaces in the offending caller and
// never in a goroutine releasing a subscription.
func (s *Store[S, I, C, V]) excessHandler(stream string) ExcessHandler {
	behaviour := s.opts.multiSub
	return func(limit, prev, count int) {
		s.obs.OnSubscriptionExcess(context.Background(), stream, limit, count)
		s.logger.Error("too many concurrent subscribers",
			zap.String("stream", stream),
			zap.Int("limit", limit),
			zap.Int("count", count),
			zap.Stringer("behaviour", behaviour))

		if behaviour == ThrowError && count > prev {
			panic(&SubscriptionLimitError{Stream: stream, Limit: limit, Count: count})
		}
	}
}

// ID returns the store identity
func (s *Store[S, I, C, V]) ID() string {
	return s.id
}

// Start binds the store to ctx and launches the reducer and async command
// loops. Start returns immediately; use Wait to block until the store stops.
func (s *Store[S, I, C, V]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g
	s.cancel = cancel

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		s.commands.wait()
		s.viewState.Wait()
		s.states.wait()
		close(s.done)
		return nil
	})

	initial := s.initial()

	// The distributor subscribes before the first state is published so it
	// sees every command, including those of the initial state.
	states := s.states.subscribe(gctx, false)
	if err := s.commands.start(gctx, states); err != nil {
		cancel()
		return err
	}
	if err := s.viewState.Start(gctx); err != nil {
		cancel()
		return err
	}

	g.Go(func() error {
		return s.commands.consume(gctx)
	})
	g.Go(func() error {
		return s.pipeline.run(gctx, initial)
	})

	s.logger.Debug("store started",
		zap.Stringer("multi_subscription", s.opts.multiSub),
		zap.Stringer("reducer_failure", s.opts.reducerFailure),
		zap.Stringer("command_kinds", s.opts.commandKinds))
	return nil
}

// shutdown rejects further submissions, then discards the pending user
// intent. A sender racing with close reclaims its own intent, so no intent
// is left unread without a diagnostic.
func (s *Store[S, I, C, V]) shutdown() {
	close(s.closed)
	s.channels.drainUser()
	s.states.close()
	s.logger.Debug("store stopped")
}

// Wait blocks until the store has stopped and every goroutine it owns has
// exited. It returns ErrReducerFailed when the fold terminated on a reducer
// failure.
func (s *Store[S, I, C, V]) Wait() error {
	s.mu.Lock()
	g, cancel := s.group, s.cancel
	s.mu.Unlock()

	if g == nil {
		return ErrNotStarted
	}

	err := g.Wait()
	cancel()
	return err
}

// Done returns a channel closed once the store has stopped and every stream
// it served is closed.
func (s *Store[S, I, C, V]) Done() <-chan struct{} {
	return s.done
}

// SubmitUserIntent queues an intent raised by direct external interaction.
// It never blocks: while another user intent is pending the new one is
// dropped and logged.
func (s *Store[S, I, C, V]) SubmitUserIntent(intent I) {
	s.channels.submitUser(intent)
}

// SubmitAsyncIntent hands an intent raised by internal asynchronous work to
// the reducer, blocking until it is accepted. If ctx is done or the store
// stops first, the intent is logged and ErrIntentDropped is returned.
func (s *Store[S, I, C, V]) SubmitAsyncIntent(ctx context.Context, intent I) error {
	return s.channels.submitAsync(ctx, intent)
}

// ObserveViewState returns the view state stream. The current view state is
// delivered first; a slow subscriber only sees the newest pending value.
func (s *Store[S, I, C, V]) ObserveViewState(ctx context.Context) <-chan V {
	return s.viewState.Subscribe(ctx)
}

// ObserveViewCommands returns the view command stream. Commands are not
// replayed: only those produced while subscribed are delivered.
func (s *Store[S, I, C, V]) ObserveViewCommands(ctx context.Context) <-chan C {
	return s.commands.view.Subscribe(ctx)
}

// CurrentState returns the latest canonical state. Its commands are
// dispatched once through the command streams, so the returned state has none.
func (s *Store[S, I, C, V]) CurrentState() S {
	if state, ok := s.states.value(); ok {
		return ClearCommands[S, C](state)
	}
	return ClearCommands[S, C](s.initial())
}

// Stats returns a snapshot of the store's counters
func (s *Store[S, I, C, V]) Stats() Stats {
	return Stats{
		UserSubmitted:        s.stats.userSubmitted.Load(),
		UserDropped:          s.stats.userDropped.Load(),
		AsyncSubmitted:       s.stats.asyncSubmitted.Load(),
		AsyncDropped:         s.stats.asyncDropped.Load(),
		Reduced:              s.stats.reduced.Load(),
		Failed:               s.stats.failed.Load(),
		Commands:             s.stats.commands.Load(),
		AsyncCommandFailures: s.stats.asyncCommandFailures.Load(),
	}
}
