package mvi

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewValidates(t *testing.T) {
	valid := Config[testState, any, testCmd, int]{
		Reducer:         testReducer,
		InitialState:    func() testState { return testState{} },
		ViewStateMapper: countView,
	}

	tests := []struct {
		name   string
		mutate func(*Config[testState, any, testCmd, int])
		want   string
	}{
		{"missing reducer", func(c *Config[testState, any, testCmd, int]) { c.Reducer = nil }, "reducer"},
		{"missing initial state", func(c *Config[testState, any, testCmd, int]) { c.InitialState = nil }, "initial state"},
		{"missing mapper", func(c *Config[testState, any, testCmd, int]) { c.ViewStateMapper = nil }, "view state mapper"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	store, err := New(valid)
	require.NoError(t, err)
	_, err = uuid.Parse(store.ID())
	assert.NoError(t, err, "default id is a uuid")
}

func TestStoreEndToEnd(t *testing.T) {
	rec := newRecorder()
	store, _ := newTestStore(t, rec.handle)
	ctx := startStore(t, store)

	views := store.ObserveViewState(ctx)
	commands := store.ObserveViewCommands(ctx)

	assert.Equal(t, 0, recv(t, views))

	store.SubmitUserIntent(increment{})
	assert.Equal(t, 1, recv(t, views))

	store.SubmitUserIntent(increment{})
	assert.Equal(t, 2, recv(t, views))

	want := []testCmd{announce(1), announce(2)}
	assert.Equal(t, want, recvN(t, commands, 2))
	assert.Equal(t, want, recvN[testCmd](t, rec.cmds, 2))

	// Exactly once
	expectSilent(t, commands, 30*time.Millisecond)
	expectSilent[testCmd](t, rec.cmds, 0)

	st := store.Stats()
	assert.Equal(t, uint64(2), st.UserSubmitted)
	assert.Equal(t, uint64(2), st.Reduced)
	assert.Equal(t, uint64(2), st.Commands)
	assert.Equal(t, 2, store.CurrentState().Count)
}

func TestStoreRepeatedCommandsFire(t *testing.T) {
	rec := newRecorder()
	store, _ := newTestStore(t, rec.handle)
	ctx := startStore(t, store)

	views := store.ObserveViewState(ctx)
	commands := store.ObserveViewCommands(ctx)
	assert.Equal(t, 0, recv(t, views))

	same := emit{cmds: []testCmd{announce(7)}}
	require.NoError(t, store.SubmitAsyncIntent(ctx, same))
	require.NoError(t, store.SubmitAsyncIntent(ctx, same))

	// The state never changed, the commands still fire every time
	assert.Equal(t, []testCmd{announce(7), announce(7)}, recvN(t, commands, 2))
	assert.Equal(t, []testCmd{announce(7), announce(7)}, recvN[testCmd](t, rec.cmds, 2))
	expectSilent(t, views, 30*time.Millisecond)
}

func TestStoreAsyncCommandFeedsBack(t *testing.T) {
	var store *testStore
	handler := func(ctx context.Context, cmd testCmd) error {
		if cmd.name != "fetch" {
			return nil
		}
		return store.SubmitAsyncIntent(ctx, add{n: cmd.n})
	}
	store, _ = newTestStore(t, handler)
	ctx := startStore(t, store)
	views := store.ObserveViewState(ctx)
	assert.Equal(t, 0, recv(t, views))

	require.NoError(t, store.SubmitAsyncIntent(ctx, emit{cmds: []testCmd{fetch(10), fetch(5)}}))

	require.Eventually(t, func() bool {
		return store.CurrentState().Count == 15
	}, waitTimeout, time.Millisecond)
}

func TestStoreViewStateReplay(t *testing.T) {
	store, _ := newTestStore(t, nil, WithMultiSubscriptionBehaviour(Allow))
	ctx := startStore(t, store)

	first := store.ObserveViewState(ctx)
	assert.Equal(t, 0, recv(t, first))
	require.NoError(t, store.SubmitAsyncIntent(ctx, add{n: 3}))
	assert.Equal(t, 3, recv(t, first))

	// A late subscriber starts from the current view state
	late := store.ObserveViewState(ctx)
	assert.Equal(t, 3, recv(t, late))
}

func TestStoreViewStateDeduplicated(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := startStore(t, store)
	views := store.ObserveViewState(ctx)
	assert.Equal(t, 0, recv(t, views))

	for _, intent := range []any{add{n: 0}, noop{}, emit{cmds: []testCmd{toast(1)}}, add{n: 1}} {
		require.NoError(t, store.SubmitAsyncIntent(ctx, intent))
	}
	assert.Equal(t, 1, recv(t, views))
	expectSilent(t, views, 30*time.Millisecond)
}

func TestStoreViewCommandsNotReplayed(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := startStore(t, store)
	views := store.ObserveViewState(ctx)

	require.NoError(t, store.SubmitAsyncIntent(ctx, emit{cmds: []testCmd{toast(1)}}))
	require.Eventually(t, func() bool { return store.Stats().Commands == 1 }, waitTimeout, time.Millisecond)
	assert.Equal(t, 0, recv(t, views))

	// Give the dispatched command time to pass the view share unobserved
	time.Sleep(20 * time.Millisecond)
	commands := store.ObserveViewCommands(ctx)
	expectSilent(t, commands, 30*time.Millisecond)

	require.NoError(t, store.SubmitAsyncIntent(ctx, emit{cmds: []testCmd{toast(2)}}))
	assert.Equal(t, toast(2), recv(t, commands))
}

func TestStoreMultiSubscription(t *testing.T) {
	t.Run("log error once per reading", func(t *testing.T) {
		store, logs := newTestStore(t, nil)
		ctx := startStore(t, store)

		first := store.ObserveViewState(ctx)
		second := store.ObserveViewState(ctx)
		assert.Equal(t, 0, recv(t, first))
		assert.Equal(t, 0, recv(t, second))

		for range 3 {
			store.SubmitUserIntent(increment{})
			time.Sleep(time.Millisecond)
		}

		excess := logs.FilterMessage("too many concurrent subscribers").All()
		require.Len(t, excess, 1)
		assert.Equal(t, zapcore.ErrorLevel, excess[0].Level)
		assert.Equal(t, "view-state", excess[0].ContextMap()["stream"])
		assert.Equal(t, int64(2), excess[0].ContextMap()["count"])
		assert.Equal(t, "test", excess[0].ContextMap()["store"])
	})

	t.Run("log error on departure above limit", func(t *testing.T) {
		store, logs := newTestStore(t, nil)
		ctx := startStore(t, store)

		store.ObserveViewState(ctx)
		store.ObserveViewState(ctx)
		thirdCtx, leave := context.WithCancel(ctx)
		store.ObserveViewState(thirdCtx)
		require.Equal(t, 2, logs.FilterMessage("too many concurrent subscribers").Len())

		leave()
		require.Eventually(t, func() bool {
			return logs.FilterMessage("too many concurrent subscribers").Len() == 3
		}, waitTimeout, time.Millisecond)

		counts := []int64{}
		for _, e := range logs.FilterMessage("too many concurrent subscribers").All() {
			counts = append(counts, e.ContextMap()["count"].(int64))
		}
		assert.Equal(t, []int64{2, 3, 2}, counts)
	})

	t.Run("throw error reports departures without panicking", func(t *testing.T) {
		store, logs := newTestStore(t, nil, WithMultiSubscriptionBehaviour(ThrowError))
		ctx := startStore(t, store)

		subscribe := func(ctx context.Context) (recovered any) {
			defer func() { recovered = recover() }()
			store.ObserveViewState(ctx)
			return nil
		}
		require.Nil(t, subscribe(ctx))
		require.NotNil(t, subscribe(ctx))
		thirdCtx, leave := context.WithCancel(ctx)
		require.NotNil(t, subscribe(thirdCtx))

		// 3 -> 2 runs in the releasing goroutine: logged, never raised
		leave()
		require.Eventually(t, func() bool {
			return logs.FilterMessage("too many concurrent subscribers").Len() == 3
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, 2, store.viewState.Subscribers())
	})

	t.Run("throw error", func(t *testing.T) {
		store, _ := newTestStore(t, nil, WithMultiSubscriptionBehaviour(ThrowError))
		ctx := startStore(t, store)

		_ = store.ObserveViewCommands(ctx)

		var recovered any
		func() {
			defer func() { recovered = recover() }()
			store.ObserveViewCommands(ctx)
		}()

		var limitErr *SubscriptionLimitError
		require.ErrorAs(t, recovered.(error), &limitErr)
		assert.Equal(t, "view-commands", limitErr.Stream)
		assert.Equal(t, 1, limitErr.Limit)
		assert.Equal(t, 2, limitErr.Count)
	})

	t.Run("allow", func(t *testing.T) {
		store, logs := newTestStore(t, nil, WithMultiSubscriptionBehaviour(Allow))
		ctx := startStore(t, store)

		for range 3 {
			store.ObserveViewState(ctx)
			store.ObserveViewCommands(ctx)
		}
		assert.Zero(t, logs.FilterMessage("too many concurrent subscribers").Len())
	})
}

func TestStoreReducerFailure(t *testing.T) {
	t.Run("skip", func(t *testing.T) {
		store, logs := newTestStore(t, nil)
		ctx := startStore(t, store)
		views := store.ObserveViewState(ctx)
		assert.Equal(t, 0, recv(t, views))

		require.NoError(t, store.SubmitAsyncIntent(ctx, fail{}))
		require.NoError(t, store.SubmitAsyncIntent(ctx, boom{}))
		require.NoError(t, store.SubmitAsyncIntent(ctx, add{n: 1}))
		assert.Equal(t, 1, recv(t, views))

		assert.Equal(t, uint64(2), store.Stats().Failed)
		entries := logs.FilterMessage("reducer failed").All()
		require.Len(t, entries, 2)
		assert.Equal(t, "test", entries[0].ContextMap()["store"])
	})

	t.Run("terminate", func(t *testing.T) {
		store, _ := newTestStore(t, nil, WithReducerFailurePolicy(TerminateOnFailure))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, store.Start(ctx))

		views := store.ObserveViewState(ctx)
		assert.Equal(t, 0, recv(t, views))

		require.NoError(t, store.SubmitAsyncIntent(ctx, fail{}))

		err := store.Wait()
		assert.ErrorIs(t, err, ErrReducerFailed)
		assert.ErrorIs(t, err, errBadIntent)
		expectClosed(t, views)

		err = store.SubmitAsyncIntent(ctx, add{n: 1})
		assert.ErrorIs(t, err, ErrIntentDropped)
		assert.ErrorIs(t, err, ErrStoreClosed)
		assert.Equal(t, 0, store.CurrentState().Count)
	})
}

func TestStoreLifecycle(t *testing.T) {
	store, logs := newTestStore(t, nil)

	assert.ErrorIs(t, store.Wait(), ErrNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.Start(ctx))
	assert.ErrorIs(t, store.Start(ctx), ErrAlreadyStarted)

	views := store.ObserveViewState(ctx)
	commands := store.ObserveViewCommands(ctx)

	expectSilent(t, store.Done(), 10*time.Millisecond)

	// Done closes only after every stream has closed
	cancel()
	expectClosed(t, store.Done())
	assert.Zero(t, store.viewState.Subscribers())
	assert.Zero(t, store.commands.view.Subscribers())
	assert.Zero(t, store.states.count())
	expectClosed(t, views)
	expectClosed(t, commands)
	require.NoError(t, store.Wait())

	store.SubmitUserIntent(increment{})
	assert.Equal(t, uint64(1), store.Stats().UserDropped)
	assert.Equal(t, 1, logs.FilterMessage("user intent dropped").Len())

	// Observing a stopped store yields closed streams
	expectClosed(t, store.ObserveViewState(context.Background()))
}

func TestStoreAsyncIntentAbandoned(t *testing.T) {
	store, logs := newTestStore(t, nil)

	// Not started: nobody will ever accept the intent
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.SubmitAsyncIntent(ctx, increment{})

	assert.ErrorIs(t, err, ErrIntentDropped)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	entries := logs.FilterMessage("async intent dropped before delivery").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "increment", entries[0].ContextMap()["intent"])
	assert.Equal(t, "test", entries[0].ContextMap()["store"])
}

func TestStoreInitialStateCalledOnce(t *testing.T) {
	var calls atomic.Int32
	store, err := New(Config[testState, any, testCmd, int]{
		Reducer: testReducer,
		InitialState: func() testState {
			calls.Add(1)
			return testState{Count: 41}
		},
		ViewStateMapper: countView,
	}, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.Zero(t, calls.Load(), "initial state is lazy")

	assert.Equal(t, 41, store.CurrentState().Count)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.Start(ctx))
	require.NoError(t, store.SubmitAsyncIntent(ctx, increment{}))
	require.Eventually(t, func() bool { return store.CurrentState().Count == 42 }, waitTimeout, time.Millisecond)

	cancel()
	require.NoError(t, store.Wait())
	assert.Equal(t, int32(1), calls.Load())
}

func TestStoreDefaultLogger(t *testing.T) {
	logger, logs := observedLogger()
	restore := zap.ReplaceGlobals(logger)
	defer restore()

	store, err := New(Config[testState, any, testCmd, int]{
		Reducer:         testReducer,
		InitialState:    func() testState { return testState{} },
		ViewStateMapper: countView,
	}, WithID("global"))
	require.NoError(t, err)

	// Bound at construction, later replacements do not matter
	restore()

	store.SubmitUserIntent(noop{})
	store.SubmitUserIntent(noop{})

	entries := logs.FilterMessage("user intent dropped").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "mvi", entries[0].LoggerName)
	assert.Equal(t, "global", entries[0].ContextMap()["store"])
}

func TestStoreCustomEquality(t *testing.T) {
	logger, _ := observedLogger()
	store, err := New(Config[testState, any, testCmd, int]{
		Reducer:         testReducer,
		InitialState:    func() testState { return testState{} },
		ViewStateMapper: countView,
		// Parity only
		ViewStateEqual: func(a, b int) bool { return a%2 == b%2 },
	}, WithLogger(logger))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = store.Wait()
	}()
	require.NoError(t, store.Start(ctx))

	views := store.ObserveViewState(ctx)
	assert.Equal(t, 0, recv(t, views))
	require.NoError(t, store.SubmitAsyncIntent(ctx, add{n: 2}))
	require.NoError(t, store.SubmitAsyncIntent(ctx, add{n: 1}))
	assert.Equal(t, 3, recv(t, views))
}

func TestStoreConcurrentUserIntents(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := startStore(t, store)
	views := store.ObserveViewState(ctx)
	assert.Equal(t, 0, recv(t, views))

	const producers, perProducer = 8, 50
	done := make(chan struct{})
	for range producers {
		go func() {
			defer func() { done <- struct{}{} }()
			for range perProducer {
				store.SubmitUserIntent(add{n: 1})
			}
		}()
	}
	for range producers {
		<-done
	}

	// Every intent was either reduced or dropped, never both and never lost
	require.Eventually(t, func() bool {
		st := store.Stats()
		return st.UserSubmitted+st.UserDropped == producers*perProducer &&
			st.Reduced == st.UserSubmitted
	}, waitTimeout, time.Millisecond)

	st := store.Stats()
	assert.Equal(t, int(st.UserSubmitted), store.CurrentState().Count)
}

func TestStoreUserIntentsRacingShutdown(t *testing.T) {
	for range 200 {
		store, logs := newTestStore(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, store.Start(ctx))

		stop := make(chan struct{})
		submitted := make(chan struct{})
		go func() {
			defer close(submitted)
			for {
				select {
				case <-stop:
					return
				default:
					store.SubmitUserIntent(noop{})
				}
			}
		}()

		time.Sleep(50 * time.Microsecond)
		cancel()
		require.NoError(t, store.Wait())
		close(stop)
		<-submitted

		unread := 0
		for _, e := range logs.FilterMessage("user intent dropped").All() {
			if e.ContextMap()["error"] == errUserIntentUnread.Error() {
				unread++
			}
		}

		// Every accepted intent was reduced or reported, none left behind
		st := store.Stats()
		require.Zero(t, len(store.channels.user))
		require.Equal(t, st.UserSubmitted, st.Reduced+st.Failed+uint64(unread))
	}
}

func TestStoreCurrentStateHasNoCommands(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := startStore(t, store)

	require.NoError(t, store.SubmitAsyncIntent(ctx, increment{}))
	require.Eventually(t, func() bool {
		return store.Stats().Reduced == 1
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, 1, store.CurrentState().Count)
	assert.Empty(t, store.CurrentState().Commands())

	// A step without commands after one with commands is not republished
	require.NoError(t, store.SubmitAsyncIntent(ctx, noop{}))
	require.Eventually(t, func() bool {
		return store.Stats().Reduced == 2
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, testState{Count: 1}, store.CurrentState())
}

func TestDefaultEqual(t *testing.T) {
	a := testState{Count: 1, cmds: []testCmd{toast(1)}}
	b := testState{Count: 1, cmds: []testCmd{toast(1)}}
	c := testState{Count: 1, cmds: []testCmd{toast(2)}}

	assert.True(t, defaultEqual(a, b))
	assert.False(t, defaultEqual(a, c))
	assert.Empty(t, cmp.Diff(a, b, exportAll))
}

func TestReducerErrorMessages(t *testing.T) {
	err := &ReducerError{Intent: "increment", Err: errors.New("nope")}
	assert.Equal(t, "mvi: reducer failed on increment: nope", err.Error())

	err = &ReducerError{Intent: "increment", Panic: "bad"}
	assert.Equal(t, "mvi: reducer panicked on increment: bad", err.Error())

	limit := &SubscriptionLimitError{Stream: "view-state", Limit: 1, Count: 3}
	assert.Equal(t, "mvi: view-state has 3 concurrent subscribers, limit is 1", limit.Error())
}
