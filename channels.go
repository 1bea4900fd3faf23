package mvi

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// errUserBufferFull is the drop reason for a user intent arriving while
// another one is still pending
var errUserBufferFull = errors.New("mvi: user intent buffer full")

// errUserIntentUnread is the drop reason for a user intent accepted into the
// buffer but never reduced because the store stopped
var errUserIntentUnread = fmt.Errorf("%w before the user intent was reduced", ErrStoreClosed)

// intentChannels holds the two intent queues feeding the reducer.
//
//	async: rendezvous, producers block until the fold accepts the intent
//	user:  one slot, a new intent is dropped while one is pending
type intentChannels[I any] struct {
	user   chan I
	async  chan I
	closed <-chan struct{}

	logger *zap.Logger
	obs    Observability
	stats  *stats
}

func newIntentChannels[I any](closed <-chan struct{}, logger *zap.Logger, obs Observability, st *stats) *intentChannels[I] {
	return &intentChannels[I]{
		user:   make(chan I, 1),
		async:  make(chan I),
		closed: closed,
		logger: logger,
		obs:    obs,
		stats:  st,
	}
}

// submitUser never blocks. A rejected intent is logged and discarded.
func (c *intentChannels[I]) submitUser(intent I) {
	intentType := IntentType(intent)

	select {
	case <-c.closed:
		c.dropUser(intentType, ErrStoreClosed)
		return
	default:
	}

	select {
	case c.user <- intent:
		c.stats.userSubmitted.Add(1)
		c.obs.OnIntentSubmitted(context.Background(), SourceUser, intentType)
	default:
		c.dropUser(intentType, errUserBufferFull)
		return
	}

	// The store may have closed and drained after the first check
	select {
	case <-c.closed:
		c.drainUser()
	default:
	}
}

func (c *intentChannels[I]) dropUser(intentType string, reason error) {
	c.stats.userDropped.Add(1)
	c.logger.Warn("user intent dropped",
		zap.String("source", string(SourceUser)),
		zap.String("intent", intentType),
		zap.Error(reason))
	c.obs.OnIntentDropped(context.Background(), SourceUser, intentType, reason)
}

// submitAsync blocks until the fold accepts the intent. It gives up when ctx
// is done or the store closes; the abandoned intent is logged and reported.
func (c *intentChannels[I]) submitAsync(ctx context.Context, intent I) error {
	intentType := IntentType(intent)

	select {
	case <-c.closed:
		return c.dropAsync(ctx, intentType, ErrStoreClosed)
	default:
	}

	select {
	case c.async <- intent:
		c.stats.asyncSubmitted.Add(1)
		c.obs.OnIntentSubmitted(ctx, SourceAsync, intentType)
		return nil
	case <-ctx.Done():
		return c.dropAsync(ctx, intentType, context.Cause(ctx))
	case <-c.closed:
		return c.dropAsync(ctx, intentType, ErrStoreClosed)
	}
}

func (c *intentChannels[I]) dropAsync(ctx context.Context, intentType string, reason error) error {
	c.stats.asyncDropped.Add(1)
	c.logger.Error("async intent dropped before delivery",
		zap.String("source", string(SourceAsync)),
		zap.String("intent", intentType),
		zap.Error(reason))
	c.obs.OnIntentDropped(ctx, SourceAsync, intentType, reason)
	return fmt.Errorf("%w: %s: %w", ErrIntentDropped, intentType, reason)
}

// next blocks until an intent is available from either queue. Intents of one
// queue keep their submission order; the queues are merged in arrival order.
func (c *intentChannels[I]) next(ctx context.Context) (I, IntentSource, bool) {
	select {
	case intent := <-c.user:
		return intent, SourceUser, true
	case intent := <-c.async:
		return intent, SourceAsync, true
	case <-ctx.Done():
		var zero I
		return zero, "", false
	}
}

// drainUser discards the pending user intent, if any, once the fold stopped
func (c *intentChannels[I]) drainUser() {
	for {
		select {
		case intent := <-c.user:
			c.dropUser(IntentType(intent), errUserIntentUnread)
		default:
			return
		}
	}
}
