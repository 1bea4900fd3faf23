package mvi

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// differentiated pairs a state with the heartbeat bit. The bit flips on every
// reduction that attaches commands, so two value-equal states carrying fresh
// commands never compare equal and the commands always fire.
type differentiated[S any] struct {
	state     S
	heartbeat bool
}

// pipeline folds intents from both channels through the reducer and publishes
// every distinct result to the canonical state broadcaster.
type pipeline[S State[S, C], I any, C Command] struct {
	reducer  Reducer[S, I]
	equal    func(a, b S) bool
	channels *intentChannels[I]
	states   *broadcaster[S]
	failure  ReducerFailurePolicy

	logger *zap.Logger
	obs    Observability
	stats  *stats
}

// step computes the successor of prev for one intent. The reducer always
// sees a state with an empty command list. Panics are returned as errors.
func (p *pipeline[S, I, C]) step(prev differentiated[S], intent I) (next differentiated[S], err error) {
	defer func() {
		if r := recover(); r != nil {
			next = prev
			err = &ReducerError{Intent: IntentType(intent), Panic: r}
		}
	}()

	clean := ClearCommands[S, C](prev.state)
	state, err := p.reducer(clean, intent)
	if err != nil {
		return prev, &ReducerError{Intent: IntentType(intent), Err: err}
	}

	heartbeat := prev.heartbeat
	if len(state.Commands()) > 0 {
		heartbeat = !heartbeat
	}
	return differentiated[S]{state: state, heartbeat: heartbeat}, nil
}

// same compares payloads without their command lists. A step that attached
// commands always flipped the heartbeat, so it never compares equal.
func (p *pipeline[S, I, C]) same(a, b differentiated[S]) bool {
	if a.heartbeat != b.heartbeat {
		return false
	}
	return p.equal(ClearCommands[S, C](a.state), ClearCommands[S, C](b.state))
}

// run publishes the initial state, then folds intents until ctx is done.
// With TerminateOnFailure the first reducer failure ends the fold.
func (p *pipeline[S, I, C]) run(ctx context.Context, initial S) error {
	defer p.channels.drainUser()

	current := differentiated[S]{state: initial}
	p.states.publish(current.state)
	p.logger.Debug("reducer pipeline started")

	for {
		intent, source, ok := p.channels.next(ctx)
		if !ok {
			p.logger.Debug("reducer pipeline stopped")
			return nil
		}

		intentType := IntentType(intent)
		reduceCtx := p.obs.OnReduceStart(ctx, intentType)
		start := time.Now()

		next, err := p.step(current, intent)
		if err != nil {
			p.stats.failed.Add(1)
			p.obs.OnReduceComplete(reduceCtx, time.Since(start), false, err)
			p.logger.Error("reducer failed",
				zap.String("intent", intentType),
				zap.String("source", string(source)),
				zap.Stringer("policy", p.failure),
				zap.Error(err))

			if p.failure == TerminateOnFailure {
				return fmt.Errorf("%w: %w", ErrReducerFailed, err)
			}
			continue
		}

		changed := !p.same(current, next)
		p.stats.reduced.Add(1)
		p.obs.OnReduceComplete(reduceCtx, time.Since(start), changed, nil)
		if !changed {
			continue
		}

		current = next
		p.states.publish(current.state)
	}
}
