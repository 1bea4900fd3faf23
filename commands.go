package mvi

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// consumerCategories is the number of command consumer categories (view and
// async) the raw command stream waits for before it starts.
const consumerCategories = 2

// AsyncCommandHandler executes one async command
type AsyncCommandHandler[C Command] func(ctx context.Context, cmd C) error

// commandDistributor expands the command list of every canonical state into
// a raw command stream and fans it out by kind.
//
// The raw stream is gated on both consumer categories being attached, so
// neither misses commands produced before the other subscribed. Canonical
// states queue in the distributor's own subscription until then.
type commandDistributor[S State[S, C], C Command] struct {
	states <-chan S
	kinds  CommandKind

	raw   *Shared[C]
	view  *Shared[C]
	async Stream[C]

	execute AsyncCommandHandler[C]

	logger *zap.Logger
	obs    Observability
	stats  *stats
}

func newCommandDistributor[S State[S, C], C Command](
	kinds CommandKind,
	viewPolicy SharingPolicy,
	execute AsyncCommandHandler[C],
	logger *zap.Logger,
	obs Observability,
	st *stats,
) *commandDistributor[S, C] {
	d := &commandDistributor[S, C]{
		kinds:   kinds,
		execute: execute,
		logger:  logger,
		obs:     obs,
		stats:   st,
	}

	d.raw = NewShared("commands", d.expand, MinSubscribers(consumerCategories), SharedConfig[C]{
		Logger: logger,
	})
	d.async = Filter[C](d.raw, d.accepts(AsyncCommand))
	d.view = NewShared("view-commands", d.forward(Filter[C](d.raw, d.accepts(ViewCommand))), viewPolicy, SharedConfig[C]{
		Logger: logger,
	})
	return d
}

// accepts returns the routing predicate of a category. A category that is not
// in use never matches.
func (d *commandDistributor[S, C]) accepts(kind CommandKind) func(C) bool {
	if !d.kinds.Has(kind) {
		return func(C) bool { return false }
	}
	return func(cmd C) bool {
		return cmd.CommandKind()&kind != 0
	}
}

// expand is the raw stream's upstream: commands of one state are emitted in
// list order, states in reduction order.
func (d *commandDistributor[S, C]) expand(ctx context.Context, emit func(C)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-d.states:
			if !ok {
				return nil
			}
			for _, cmd := range state.Commands() {
				d.stats.commands.Add(1)
				d.obs.OnCommandDispatched(ctx, cmd.CommandKind())
				emit(cmd)
			}
		}
	}
}

func (d *commandDistributor[S, C]) forward(src Stream[C]) Source[C] {
	return func(ctx context.Context, emit func(C)) error {
		for cmd := range src.Subscribe(ctx) {
			emit(cmd)
		}
		return nil
	}
}

// start launches the shared streams. states must be set before.
func (d *commandDistributor[S, C]) start(ctx context.Context, states <-chan S) error {
	d.states = states
	if err := d.raw.Start(ctx); err != nil {
		return err
	}
	return d.view.Start(ctx)
}

// consume drains the async view for the store's lifetime. Handler failures
// are logged and never stop the loop.
func (d *commandDistributor[S, C]) consume(ctx context.Context) error {
	for cmd := range d.async.Subscribe(ctx) {
		d.handle(ctx, cmd)
	}
	return nil
}

func (d *commandDistributor[S, C]) handle(ctx context.Context, cmd C) {
	start := time.Now()
	err := d.call(ctx, cmd)
	d.obs.OnAsyncCommandComplete(ctx, time.Since(start), err)

	if err != nil {
		d.stats.asyncCommandFailures.Add(1)
		d.logger.Error("async command failed",
			zap.String("command", fmt.Sprintf("%T", cmd)),
			zap.Error(err))
	}
}

func (d *commandDistributor[S, C]) call(ctx context.Context, cmd C) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mvi: async command handler panicked: %v", r)
		}
	}()
	return d.execute(ctx, cmd)
}

func (d *commandDistributor[S, C]) wait() {
	d.raw.Wait()
	d.view.Wait()
}
