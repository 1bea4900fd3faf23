package mvi

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned when Start is called more than once
	ErrAlreadyStarted = errors.New("mvi: already started")

	// ErrNotStarted is returned by Wait before Start
	ErrNotStarted = errors.New("mvi: not started")

	// ErrStoreClosed is reported for intents submitted after the store stopped
	ErrStoreClosed = errors.New("mvi: store closed")

	// ErrIntentDropped is returned when an async intent is abandoned before
	// the pipeline accepted it
	ErrIntentDropped = errors.New("mvi: intent dropped")

	// ErrReducerFailed is returned by Wait when the reducer failed and the
	// store was configured with TerminateOnFailure
	ErrReducerFailed = errors.New("mvi: reducer failed")
)

// ReducerError describes a reducer failure for one intent
type ReducerError struct {
	Intent string
	Err    error
	// Panic holds the recovered value when the reducer panicked
	Panic any
}

func (e *ReducerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("mvi: reducer panicked on %s: %v", e.Intent, e.Panic)
	}
	return fmt.Sprintf("mvi: reducer failed on %s: %v", e.Intent, e.Err)
}

func (e *ReducerError) Unwrap() error {
	return e.Err
}

// SubscriptionLimitError is the panic value raised for a subscriber count
// above the limit when the store runs with ThrowError.
type SubscriptionLimitError struct {
	Stream string
	Limit  int
	Count  int
}

func (e *SubscriptionLimitError) Error() string {
	return fmt.Sprintf("mvi: %s has %d concurrent subscribers, limit is %d", e.Stream, e.Count, e.Limit)
}
