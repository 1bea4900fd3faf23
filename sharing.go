package mvi

// SharingCommand instructs a shared stream what to do with its upstream.
type SharingCommand uint8

const (
	// SharingStart starts the upstream if it is not running.
	SharingStart SharingCommand = iota + 1
	// SharingStop stops the upstream and keeps the replay cache.
	SharingStop
	// SharingStopAndReset stops the upstream and discards the replay cache.
	SharingStopAndReset
)

func (c SharingCommand) String() string {
	switch c {
	case SharingStart:
		return "START"
	case SharingStop:
		return "STOP"
	case SharingStopAndReset:
		return "STOP_AND_RESET"
	default:
		return "UNKNOWN"
	}
}

// Launched is the previous count passed to a policy for the reading taken
// when a shared stream is started.
const Launched = -1

// SharingPolicy maps a transition of the live subscriber count to a sharing
// command. Decide reports false when the transition leaves the stream as it is.
type SharingPolicy interface {
	Decide(prev, count int) (SharingCommand, bool)
}

// PolicyFunc is a function that implements SharingPolicy
type PolicyFunc func(prev, count int) (SharingCommand, bool)

func (f PolicyFunc) Decide(prev, count int) (SharingCommand, bool) {
	return f(prev, count)
}

// ExcessHandler is invoked once for every count reading above a MaxSubscribers
// or Guarded limit, arrivals and departures alike. prev is the reading before
// the transition. An arrival runs the handler in the subscribing goroutine; a
// departure runs it in the goroutine releasing the subscription.
type ExcessHandler func(limit, prev, count int)

// Eagerly starts the upstream at launch and never stops it.
func Eagerly() SharingPolicy {
	return PolicyFunc(func(prev, count int) (SharingCommand, bool) {
		if prev == Launched {
			return SharingStart, true
		}
		return 0, false
	})
}

// WhileSubscribed starts the upstream when the first subscriber arrives and
// stops it, discarding the replay cache, when the last one leaves.
func WhileSubscribed() SharingPolicy {
	return PolicyFunc(func(prev, count int) (SharingCommand, bool) {
		switch {
		case prev <= 0 && count > 0:
			return SharingStart, true
		case prev > 0 && count == 0:
			return SharingStopAndReset, true
		default:
			return 0, false
		}
	})
}

// MinSubscribers starts the upstream once at least n subscribers are attached
// and stops it when the count falls below n again. Use it to hold back a hot
// stream until every expected consumer is listening.
func MinSubscribers(n int) SharingPolicy {
	if n <= 0 {
		n = 1
	}
	return PolicyFunc(func(prev, count int) (SharingCommand, bool) {
		switch {
		case prev < n && count >= n:
			return SharingStart, true
		case prev >= n && count < n:
			return SharingStop, true
		default:
			return 0, false
		}
	})
}

// MaxSubscribers behaves like WhileSubscribed and invokes onExcess for every
// reading above limit.
func MaxSubscribers(limit int, onExcess ExcessHandler) SharingPolicy {
	return Guarded(limit, onExcess, WhileSubscribed())
}

// Guarded invokes onExcess for every reading above limit and leaves the
// decision to inner.
func Guarded(limit int, onExcess ExcessHandler, inner SharingPolicy) SharingPolicy {
	return PolicyFunc(func(prev, count int) (SharingCommand, bool) {
		if count > limit && onExcess != nil {
			onExcess(limit, prev, count)
		}
		return inner.Decide(prev, count)
	})
}
