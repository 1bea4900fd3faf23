package mvi

import (
	"reflect"
	"strings"
)

// State is implemented by every value the store folds over.
//
// A state is an immutable value: WithCommands returns a copy carrying the
// given command list and never modifies the receiver.
type State[S any, C Command] interface {
	// Commands returns the one-shot commands attached by the last reduction
	Commands() []C
	// WithCommands returns a copy of the state with its command list replaced
	WithCommands(cmds []C) S
}

// ClearCommands returns a copy of s with an empty command list.
func ClearCommands[S State[S, C], C Command](s S) S {
	return s.WithCommands(nil)
}

// AppendCommand returns a copy of s with cmd added after its existing commands.
func AppendCommand[S State[S, C], C Command](s S, cmd C) S {
	existing := s.Commands()
	cmds := make([]C, 0, len(existing)+1)
	cmds = append(cmds, existing...)
	cmds = append(cmds, cmd)
	return s.WithCommands(cmds)
}

// Reducer computes the next state for an intent.
//
// A reducer must be pure: no I/O, no hidden inputs, and equal (state, intent)
// pairs always produce equal results. The store never invokes a reducer
// concurrently with itself.
type Reducer[S any, I any] func(state S, intent I) (S, error)

// CommandKind is the routing discriminant of a command. Kinds are bit flags so
// that a single command can be addressed to both consumer categories.
type CommandKind uint8

const (
	// ViewCommand commands are delivered to ObserveViewCommands subscribers.
	ViewCommand CommandKind = 1 << iota
	// AsyncCommand commands are delivered to the store's async command handler.
	AsyncCommand

	// AllCommandKinds enables both consumer categories.
	AllCommandKinds = ViewCommand | AsyncCommand
)

// Has reports whether every bit of other is set in k.
func (k CommandKind) Has(other CommandKind) bool {
	return other != 0 && k&other == other
}

func (k CommandKind) String() string {
	if k == 0 {
		return "none"
	}
	var parts []string
	if k&ViewCommand != 0 {
		parts = append(parts, "view")
	}
	if k&AsyncCommand != 0 {
		parts = append(parts, "async")
	}
	return strings.Join(parts, "|")
}

// Command is a one-shot side effect attached to a state.
type Command interface {
	CommandKind() CommandKind
}

// IntentNamer can be implemented by intents to provide a stable name for
// diagnostics instead of the Go type name.
type IntentNamer interface {
	IntentName() string
}

// IntentType returns the diagnostic name of an intent.
// If the intent implements IntentNamer, returns the custom name.
// Otherwise returns the reflect-based type string. Returns "nil" for nil.
func IntentType(intent any) string {
	if intent == nil {
		return "nil"
	}
	if namer, ok := intent.(IntentNamer); ok {
		return namer.IntentName()
	}
	return reflect.TypeOf(intent).String()
}

// IntentSource identifies the channel an intent was submitted through.
type IntentSource string

const (
	// SourceUser marks intents raised by direct external interaction.
	SourceUser IntentSource = "user"
	// SourceAsync marks intents raised by internal asynchronous completions.
	SourceAsync IntentSource = "async"
)
