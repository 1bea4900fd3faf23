package mvi

import (
	"context"
	"time"
)

// Observability receives lifecycle hooks from a store. Implementations must
// be safe for concurrent use; see the otel sub-package.
type Observability interface {
	// OnIntentSubmitted is called when a channel accepts an intent
	OnIntentSubmitted(ctx context.Context, source IntentSource, intentType string)
	// OnIntentDropped is called when an intent is discarded before reduction
	OnIntentDropped(ctx context.Context, source IntentSource, intentType string, reason error)
	// OnReduceStart is called before the reducer runs for an intent
	OnReduceStart(ctx context.Context, intentType string) context.Context
	// OnReduceComplete is called after the reducer returned. changed reports
	// whether a new state was published.
	OnReduceComplete(ctx context.Context, duration time.Duration, changed bool, err error)
	// OnCommandDispatched is called for every command expanded from a state
	OnCommandDispatched(ctx context.Context, kind CommandKind)
	// OnAsyncCommandComplete is called after the async command handler returned
	OnAsyncCommandComplete(ctx context.Context, duration time.Duration, err error)
	// OnSubscriptionExcess is called for every subscriber count above the limit
	OnSubscriptionExcess(ctx context.Context, stream string, limit, count int)
}

type noopObservability struct{}

func (noopObservability) OnIntentSubmitted(context.Context, IntentSource, string) {}
func (noopObservability) OnIntentDropped(context.Context, IntentSource, string, error) {}
func (noopObservability) OnReduceStart(ctx context.Context, _ string) context.Context {
	return ctx
}
func (noopObservability) OnReduceComplete(context.Context, time.Duration, bool, error) {}
func (noopObservability) OnCommandDispatched(context.Context, CommandKind) {}
func (noopObservability) OnAsyncCommandComplete(context.Context, time.Duration, error) {}
func (noopObservability) OnSubscriptionExcess(context.Context, string, int, int) {}
