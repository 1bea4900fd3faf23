package mvi

import "sync"

// mailbox is the per-subscriber buffer between a publisher and the
// subscriber's pump goroutine. Puts never block. A conflated mailbox keeps
// only the newest value; a queued mailbox keeps every value in order.
type mailbox[T any] struct {
	mu       sync.Mutex
	items    []T
	conflate bool
	ready    chan struct{}
}

func newMailbox[T any](conflate bool) *mailbox[T] {
	return &mailbox[T]{
		conflate: conflate,
		ready:    make(chan struct{}, 1),
	}
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	if m.conflate {
		clear(m.items)
		m.items = m.items[:0]
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take blocks until a value is available or done is closed.
func (m *mailbox[T]) take(done <-chan struct{}) (T, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-done:
			var zero T
			return zero, false
		}
	}
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
