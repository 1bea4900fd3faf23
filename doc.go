// Package mvi implements a unidirectional Model-View-Intent state container.
//
// A Store folds intents through a pure reducer into a canonical state, and
// exposes a deduplicated view state plus a stream of one-shot view commands.
// Commands addressed to the store itself are executed by an async command
// handler, which typically submits further intents.
//
// # States and Commands
//
// A state is an immutable value carrying the commands attached by the last
// reduction:
//
//	type Counter struct {
//	    Count int
//	    cmds  []CounterCommand
//	}
//
//	func (c Counter) Commands() []CounterCommand { return c.cmds }
//
//	func (c Counter) WithCommands(cmds []CounterCommand) Counter {
//	    c.cmds = cmds
//	    return c
//	}
//
// Commands route by CommandKind. A command may address both categories:
//
//	type Announce struct{ N int }
//
//	func (Announce) CommandKind() mvi.CommandKind { return mvi.ViewCommand | mvi.AsyncCommand }
//
// # Reducing
//
// The reducer always receives a state whose command list is empty:
//
//	reducer := func(s Counter, intent CounterIntent) (Counter, error) {
//	    switch intent.(type) {
//	    case Increment:
//	        s.Count++
//	        return mvi.AppendCommand[Counter, CounterCommand](s, Announce{N: s.Count}), nil
//	    }
//	    return s, nil
//	}
//
// # Running a Store
//
//	store, err := mvi.New(mvi.Config[Counter, CounterIntent, CounterCommand, int]{
//	    Reducer:         reducer,
//	    InitialState:    func() Counter { return Counter{} },
//	    ViewStateMapper: func(s Counter) int { return s.Count },
//	}, mvi.WithLogger(logger))
//
//	store.Start(ctx)
//	views := store.ObserveViewState(ctx)
//	store.SubmitUserIntent(Increment{})
//
// User intents never block: while one is pending, a new one is dropped and
// logged. Async intents block until the reducer accepts them.
//
// # Sharing
//
// Shared is the hot multicast stream the store is built from. Its upstream is
// started and stopped by a SharingPolicy reacting to the subscriber count:
//
//	s := mvi.NewShared("ticks", source, mvi.WhileSubscribed(), mvi.SharedConfig[int]{Replay: true})
//	s.Start(ctx)
//	ch := s.Subscribe(ctx)
package mvi
