package mvi

import (
	"context"
	"sync"
)

// subscriber wraps a subscription with its mailbox and output channel
type subscriber[T any] struct {
	box    *mailbox[T]
	out    chan T
	ctx    context.Context
	cancel context.CancelFunc
}

// broadcaster multicasts published values to every live subscriber.
//
// Publishing never blocks: each subscriber owns a mailbox drained by its own
// pump goroutine into the channel returned from subscribe. Subscriber count
// transitions are reported to onCount in the order they happen.
type broadcaster[T any] struct {
	subs      map[uint64]*subscriber[T]
	nextID    uint64
	replay    bool
	latest    T
	hasLatest bool
	closed    bool
	mu        sync.RWMutex

	// countMu serializes count transitions and their onCount callbacks
	countMu sync.Mutex
	onCount func(prev, count int)

	wg sync.WaitGroup
}

func newBroadcaster[T any](replay bool) *broadcaster[T] {
	return &broadcaster[T]{
		subs:   make(map[uint64]*subscriber[T]),
		replay: replay,
	}
}

// subscribe registers a subscriber that lives until ctx is done or the
// broadcaster is closed. The returned channel is closed on exit.
func (b *broadcaster[T]) subscribe(ctx context.Context, conflate bool) <-chan T {
	out := make(chan T)

	b.countMu.Lock()
	defer b.countMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber[T]{
		box:    newMailbox[T](conflate),
		out:    out,
		ctx:    subCtx,
		cancel: cancel,
	}
	if b.replay && b.hasLatest {
		sub.box.put(b.latest)
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	count := len(b.subs)

	b.wg.Add(1)
	go b.pump(id, sub)
	b.mu.Unlock()

	if b.onCount != nil {
		b.onCount(count-1, count)
	}
	return out
}

// pump moves values from the subscriber's mailbox to its channel
func (b *broadcaster[T]) pump(id uint64, sub *subscriber[T]) {
	defer b.wg.Done()
	defer close(sub.out)
	defer b.remove(id)

	done := sub.ctx.Done()
	for {
		v, ok := sub.box.take(done)
		if !ok {
			return
		}
		select {
		case sub.out <- v:
		case <-done:
			return
		}
	}
}

func (b *broadcaster[T]) remove(id uint64) {
	b.countMu.Lock()
	defer b.countMu.Unlock()

	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub.cancel()
	delete(b.subs, id)
	count := len(b.subs)
	closed := b.closed
	b.mu.Unlock()

	if !closed && b.onCount != nil {
		b.onCount(count+1, count)
	}
}

// publish hands v to every subscriber and records it for replay
func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.replay {
		b.latest = v
		b.hasLatest = true
	}
	for _, sub := range b.subs {
		sub.box.put(v)
	}
}

// withCount runs fn with the current subscriber count while no transition
// can happen concurrently.
func (b *broadcaster[T]) withCount(fn func(count int)) {
	b.countMu.Lock()
	defer b.countMu.Unlock()

	b.mu.RLock()
	count := len(b.subs)
	b.mu.RUnlock()

	fn(count)
}

func (b *broadcaster[T]) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *broadcaster[T]) value() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.hasLatest
}

func (b *broadcaster[T]) resetReplay() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	b.latest = zero
	b.hasLatest = false
}

// close ends every subscription. Later subscriptions get a closed channel.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.cancel()
	}
}

// wait blocks until every pump goroutine has exited
func (b *broadcaster[T]) wait() {
	b.wg.Wait()
}
