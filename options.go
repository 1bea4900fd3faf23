package mvi

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// MultiSubscriptionBehaviour decides what happens when more than one
// subscriber observes the view state or the view commands at the same time.
type MultiSubscriptionBehaviour uint8

const (
	// Allow places no limit on concurrent subscribers
	Allow MultiSubscriptionBehaviour = iota
	// LogError logs an error for every excess subscriber count
	LogError
	// ThrowError panics with a *SubscriptionLimitError on excess subscribers
	ThrowError
)

func (b MultiSubscriptionBehaviour) String() string {
	switch b {
	case Allow:
		return "allow"
	case LogError:
		return "log"
	case ThrowError:
		return "throw"
	default:
		return fmt.Sprintf("MultiSubscriptionBehaviour(%d)", uint8(b))
	}
}

// ParseMultiSubscriptionBehaviour parses "allow", "log" or "throw".
func ParseMultiSubscriptionBehaviour(s string) (MultiSubscriptionBehaviour, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "log", "log_error", "logerror":
		return LogError, nil
	case "throw", "throw_error", "throwerror":
		return ThrowError, nil
	default:
		return Allow, fmt.Errorf("mvi: unknown multi-subscription behaviour %q", s)
	}
}

// ReducerFailurePolicy decides what the fold does when the reducer fails.
type ReducerFailurePolicy uint8

const (
	// SkipFailedIntent discards the failing intent and continues the fold
	// from the last published state.
	SkipFailedIntent ReducerFailurePolicy = iota
	// TerminateOnFailure stops the store: every stream completes and no
	// further intents are processed.
	TerminateOnFailure
)

func (p ReducerFailurePolicy) String() string {
	switch p {
	case SkipFailedIntent:
		return "skip"
	case TerminateOnFailure:
		return "terminate"
	default:
		return fmt.Sprintf("ReducerFailurePolicy(%d)", uint8(p))
	}
}

// ParseReducerFailurePolicy parses "skip" or "terminate".
func ParseReducerFailurePolicy(s string) (ReducerFailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skip":
		return SkipFailedIntent, nil
	case "terminate":
		return TerminateOnFailure, nil
	default:
		return SkipFailedIntent, fmt.Errorf("mvi: unknown reducer failure policy %q", s)
	}
}

// ParseCommandKinds parses a list of "view" and "async" separated by commas
// or pipes, the format CommandKind.String produces. An empty string and
// "none" yield no kinds.
func ParseCommandKinds(s string) (CommandKind, error) {
	var kinds CommandKind
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' })
	for _, part := range parts {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "", "none":
		case "view":
			kinds |= ViewCommand
		case "async":
			kinds |= AsyncCommand
		default:
			return 0, fmt.Errorf("mvi: unknown command kind %q", part)
		}
	}
	return kinds, nil
}

// Option configures a Store
type Option func(*options)

type options struct {
	id             string
	logger         *zap.Logger
	observability  Observability
	multiSub       MultiSubscriptionBehaviour
	reducerFailure ReducerFailurePolicy
	commandKinds   CommandKind
}

func defaultOptions() *options {
	return &options{
		multiSub:       LogError,
		reducerFailure: SkipFailedIntent,
		commandKinds:   AllCommandKinds,
	}
}

// WithID sets the store identity used in every diagnostic.
// Default is a random UUID.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithLogger sets the logger for the store.
// Default is the process-wide zap.L() at construction time.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObservability sets the observability hooks for the store
func WithObservability(obs Observability) Option {
	return func(o *options) {
		o.observability = obs
	}
}

// WithMultiSubscriptionBehaviour sets how excess concurrent subscribers to
// the view state and view commands are handled. Default is LogError.
func WithMultiSubscriptionBehaviour(b MultiSubscriptionBehaviour) Option {
	return func(o *options) {
		o.multiSub = b
	}
}

// WithReducerFailurePolicy sets what happens when the reducer fails.
// Default is SkipFailedIntent.
func WithReducerFailurePolicy(p ReducerFailurePolicy) Option {
	return func(o *options) {
		o.reducerFailure = p
	}
}

// WithCommandKinds declares which command categories are in use. A category
// left out yields a permanently empty stream. Default is AllCommandKinds.
func WithCommandKinds(kinds CommandKind) Option {
	return func(o *options) {
		o.commandKinds = kinds
	}
}
