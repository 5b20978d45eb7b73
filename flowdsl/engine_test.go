package flowdsl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catga/catga/result"
)

func newTestEngine(t *testing.T, store Store, defs ...*Definition) *Engine {
	var e = NewEngine(store, Options{})
	for _, def := range defs {
		require.NoError(t, e.Register(def))
	}
	return e
}

func recordStep(name string, log *[]string, mu *sync.Mutex) *Step {
	return &Step{Name: name, Action: func(ctx context.Context, s *State) result.Result[any] {
		mu.Lock()
		*log = append(*log, name)
		mu.Unlock()
		return result.Ok[any](nil)
	}}
}

func TestSequenceRunsToCompletion(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	var def = &Definition{Name: "seq", Root: Seq(
		recordStep("a", &ran, &mu),
		recordStep("b", &ran, &mu),
		&Step{Name: "c", ResultKey: "answer", Action: func(ctx context.Context, s *State) result.Result[any] {
			return result.Ok[any](42)
		}},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "seq", map[string]interface{}{"seed": "x"})
	require.NoError(t, err)
	require.Equal(t, Succeeded, snap.Status)
	require.Equal(t, []string{"a", "b"}, ran)

	var state = stateFrom(snap)
	var answer, _ = state.GetInt("answer")
	require.EqualValues(t, 42, answer)
	var seed = state.GetString("seed")
	require.Equal(t, "x", seed)
}

func TestStartUnknownDefinition(t *testing.T) {
	var e = newTestEngine(t, NewMemoryStore())
	var _, err = e.Start(context.Background(), "f1", "nope", nil)
	require.Error(t, err)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	var e = NewEngine(NewMemoryStore(), Options{})
	var def = &Definition{Name: "d", Root: Seq()}
	require.NoError(t, e.Register(def))
	require.Error(t, e.Register(def))
}

func TestIfChoosesBranch(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	var def = &Definition{Name: "cond", Root: Seq(
		&If{
			Cond: func(s *State) bool { return s.GetBool("premium") },
			Then: recordStep("premium-path", &ran, &mu),
			Else: recordStep("basic-path", &ran, &mu),
		},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var _, err = e.Start(context.Background(), "f1", "cond", map[string]interface{}{"premium": true})
	require.NoError(t, err)
	var _, err2 = e.Start(context.Background(), "f2", "cond", map[string]interface{}{"premium": false})
	require.NoError(t, err2)
	require.Equal(t, []string{"premium-path", "basic-path"}, ran)
}

func TestSwitchSelectsCaseAndDefault(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	var def = &Definition{Name: "route", Root: Seq(
		&Switch{
			Selector: func(s *State) string { return s.GetString("tier") },
			Cases: []SwitchCase{
				{When: "gold", Node: recordStep("gold", &ran, &mu)},
				{When: "silver", Node: recordStep("silver", &ran, &mu)},
			},
			Default: recordStep("standard", &ran, &mu),
		},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	for _, tier := range []string{"silver", "unknown"} {
		var snap, err = e.Start(context.Background(), "f-"+tier, "route", map[string]interface{}{"tier": tier})
		require.NoError(t, err)
		require.Equal(t, Succeeded, snap.Status)
	}
	require.Equal(t, []string{"silver", "standard"}, ran)
}

// Parallel iteration over [1..10] doubling each item, with item index 3
// failing: the other nine finish, results line up with input order, the
// flow fails, and rerunning the same flow id is a no-op.
func TestForEachParallelWithOneFailure(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			var inFlight, peak int64
			var invocations int64
			var def = &Definition{Name: "batch", Root: Seq(
				&ForEach{
					Name: "doubled",
					Items: func(s *State) []interface{} {
						var items []interface{}
						for i := 1; i <= 10; i++ {
							items = append(items, i)
						}
						return items
					},
					Body: func(ctx context.Context, index int, item interface{}, s *State) result.Result[any] {
						atomic.AddInt64(&invocations, 1)
						var cur = atomic.AddInt64(&inFlight, 1)
						defer atomic.AddInt64(&inFlight, -1)
						for {
							var p = atomic.LoadInt64(&peak)
							if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
								break
							}
						}
						if index == 3 {
							return result.Fail[any](result.HandlerFailed, "item rejected")
						}
						return result.Ok[any](item.(int) * 2)
					},
					Parallel:       true,
					MaxConcurrency: 4,
				},
			)}
			var e = newTestEngine(t, store, def)

			var snap, err = e.Start(context.Background(), "f1", "batch", nil)
			require.NoError(t, err)
			require.Equal(t, Failed, snap.Status)
			require.Contains(t, snap.LastError, "1 of 10")
			require.LessOrEqual(t, peak, int64(4))

			var prog, ok, perr = store.GetForEachProgress(context.Background(), "f1", "0")
			require.NoError(t, perr)
			require.True(t, ok)
			require.Len(t, prog.Completed, 9)
			require.Contains(t, prog.Failed, 3)
			for _, i := range prog.Completed {
				var doubled int
				require.NoError(t, json.Unmarshal(prog.Results[i], &doubled))
				require.Equal(t, (i+1)*2, doubled)
			}

			// Same flow id again: no execution, same snapshot back.
			var before = atomic.LoadInt64(&invocations)
			var again, aerr = e.Start(context.Background(), "f1", "batch", nil)
			require.NoError(t, aerr)
			require.Equal(t, snap.Version, again.Version)
			require.Equal(t, Failed, again.Status)
			require.Equal(t, before, atomic.LoadInt64(&invocations))
		})
	}
}

func TestForEachFailFastStopsEarly(t *testing.T) {
	var invocations int64
	var def = &Definition{Name: "batch", Root: Seq(
		&ForEach{
			Items: func(s *State) []interface{} {
				var items []interface{}
				for i := 0; i < 50; i++ {
					items = append(items, i)
				}
				return items
			},
			Body: func(ctx context.Context, index int, item interface{}, s *State) result.Result[any] {
				atomic.AddInt64(&invocations, 1)
				if index == 0 {
					return result.Fail[any](result.HandlerFailed, "first item fails")
				}
				return result.Ok[any](nil)
			},
			FailFast: true,
		},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "batch", nil)
	require.NoError(t, err)
	require.Equal(t, Failed, snap.Status)
	require.Less(t, atomic.LoadInt64(&invocations), int64(50))
}

func TestForEachSequentialAggregatesResults(t *testing.T) {
	var def = &Definition{Name: "batch", Root: Seq(
		&ForEach{
			Name:  "squares",
			Items: func(s *State) []interface{} { return []interface{}{2, 3, 4} },
			Body: func(ctx context.Context, index int, item interface{}, s *State) result.Result[any] {
				var n = item.(int)
				return result.Ok[any](n * n)
			},
		},
	)}
	var store = NewMemoryStore()
	var e = newTestEngine(t, store, def)

	var snap, err = e.Start(context.Background(), "f1", "batch", nil)
	require.NoError(t, err)
	require.Equal(t, Succeeded, snap.Status)

	// Clean completion drops the bookkeeping and folds results into state.
	var _, ok, _ = store.GetForEachProgress(context.Background(), "f1", "0")
	require.False(t, ok)
	var state = stateFrom(snap)
	var squares, found = state.Get("squares")
	require.True(t, found)
	require.Len(t, squares.([]interface{}), 3)
}

func TestWaitAllCompletesOnSignals(t *testing.T) {
	var def = &Definition{Name: "checkout", Root: Seq(
		&Wait{SignalKeys: []string{"inventory", "payment"}, Kind: All, Timeout: time.Minute},
		&Step{Name: "ship", ResultKey: "shipped", Action: func(ctx context.Context, s *State) result.Result[any] {
			return result.Ok[any](true)
		}},
	)}
	var store = NewMemoryStore()
	var e = newTestEngine(t, store, def)
	var ctx = context.Background()

	var snap, err = e.Start(ctx, "f1", "checkout", nil)
	require.NoError(t, err)
	require.Equal(t, WaitingSignal, snap.Status)

	// Signals may arrive in any order; the first leaves the flow parked.
	require.NoError(t, e.Signal(ctx, "f1", "payment", []byte(`{"amount":99}`)))
	snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, WaitingSignal, snap.Status)

	require.NoError(t, e.Signal(ctx, "f1", "inventory", []byte(`{"reserved":true}`)))
	snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, Succeeded, snap.Status)

	var state = stateFrom(snap)
	var shipped = state.GetBool("shipped")
	require.True(t, shipped)
	var _, gotPayment = state.Get("signal.payment")
	require.True(t, gotPayment)

	// The wait condition is gone; late duplicates are harmless.
	require.NoError(t, e.Signal(ctx, "f1", "payment", []byte(`{}`)))
}

func TestWaitAnyCompletesOnFirstSignal(t *testing.T) {
	var def = &Definition{Name: "race", Root: Seq(
		&Wait{SignalKeys: []string{"approved", "rejected"}, Kind: Any},
	)}
	var store = NewMemoryStore()
	var e = newTestEngine(t, store, def)
	var ctx = context.Background()

	var snap, err = e.Start(ctx, "f1", "race", nil)
	require.NoError(t, err)
	require.Equal(t, WaitingSignal, snap.Status)

	require.NoError(t, e.Signal(ctx, "f1", "approved", []byte(`true`)))
	snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, Succeeded, snap.Status)
}

// Racing signals for the two halves of a WaitAll must both land and the
// flow must finish, whichever one merges last.
func TestConcurrentSignalsCompleteWaitAll(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			var def = &Definition{Name: "checkout", Root: Seq(
				&Wait{SignalKeys: []string{"inventory", "payment"}, Kind: All, Timeout: time.Minute},
				&Step{Name: "ship", ResultKey: "shipped", Action: func(ctx context.Context, s *State) result.Result[any] {
					return result.Ok[any](true)
				}},
			)}
			var e = newTestEngine(t, store, def)
			var ctx = context.Background()

			for i := 0; i < 25; i++ {
				var flowID = fmt.Sprintf("f%d", i)
				var snap, err = e.Start(ctx, flowID, "checkout", nil)
				require.NoError(t, err)
				require.Equal(t, WaitingSignal, snap.Status)

				var wg sync.WaitGroup
				var errs = make(chan error, 2)
				for _, key := range []string{"inventory", "payment"} {
					wg.Add(1)
					go func(key string) {
						defer wg.Done()
						errs <- e.Signal(ctx, flowID, key, []byte(`true`))
					}(key)
				}
				wg.Wait()
				close(errs)
				for serr := range errs {
					require.NoError(t, serr)
				}

				snap, _, _ = store.Get(ctx, flowID)
				require.Equal(t, Succeeded, snap.Status, "flow %s parked", flowID)
				require.True(t, stateFrom(snap).GetBool("shipped"))
			}
		})
	}
}

func TestSignalRejectsUndeclaredKey(t *testing.T) {
	var def = &Definition{Name: "checkout", Root: Seq(
		&Wait{SignalKeys: []string{"inventory"}, Kind: All},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)
	var ctx = context.Background()

	var _, err = e.Start(ctx, "f1", "checkout", nil)
	require.NoError(t, err)
	require.Error(t, e.Signal(ctx, "f1", "unrelated", nil))
	// Unknown flow: nothing waiting, nothing to do.
	require.NoError(t, e.Signal(ctx, "missing", "inventory", nil))
}

// Wait for {inventory, payment} with a timeout, receive only one signal:
// the sweep fails the flow with a timeout.
func TestWaitAllTimeoutFailsFlow(t *testing.T) {
	var def = &Definition{Name: "checkout", Root: Seq(
		&Wait{SignalKeys: []string{"inventory", "payment"}, Kind: All, Timeout: 5 * time.Second},
	)}
	var store = NewMemoryStore()
	var e = newTestEngine(t, store, def)
	var ctx = context.Background()

	var _, err = e.Start(ctx, "f1", "checkout", nil)
	require.NoError(t, err)
	require.NoError(t, e.Signal(ctx, "f1", "inventory", []byte(`true`)))

	var swept, serr = e.SweepTimeouts(ctx, time.Now().Add(10*time.Second))
	require.NoError(t, serr)
	require.Equal(t, 1, swept)

	var snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, Failed, snap.Status)
	require.Contains(t, snap.LastError, "Timeout")

	var _, waiting, _ = store.GetWaitCondition(ctx, "f1")
	require.False(t, waiting)
}

func TestWaitTimeoutRunsFallbackBranch(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	var def = &Definition{Name: "checkout", Root: Seq(
		&Wait{
			SignalKeys: []string{"payment"},
			Kind:       All,
			Timeout:    5 * time.Second,
			OnTimeout:  recordStep("manual-review", &ran, &mu),
		},
		recordStep("done", &ran, &mu),
	)}
	var store = NewMemoryStore()
	var e = newTestEngine(t, store, def)
	var ctx = context.Background()

	var _, err = e.Start(ctx, "f1", "checkout", nil)
	require.NoError(t, err)

	var _, serr = e.SweepTimeouts(ctx, time.Now().Add(10*time.Second))
	require.NoError(t, serr)

	var snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, Succeeded, snap.Status)
	require.Equal(t, []string{"manual-review", "done"}, ran)
}

func TestDelayIsADurableTimer(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	var def = &Definition{Name: "reminder", Root: Seq(
		&Delay{Duration: time.Minute},
		recordStep("remind", &ran, &mu),
	)}
	var store = NewMemoryStore()
	var e = newTestEngine(t, store, def)
	var ctx = context.Background()

	var snap, err = e.Start(ctx, "f1", "reminder", nil)
	require.NoError(t, err)
	require.Equal(t, WaitingTimer, snap.Status)
	require.Empty(t, ran)

	var _, serr = e.SweepTimeouts(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, serr)

	snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, Succeeded, snap.Status)
	require.Equal(t, []string{"remind"}, ran)
}

func TestCompensationRunsNearestFirst(t *testing.T) {
	var mu sync.Mutex
	var undone []string
	var undo = func(name string) func(ctx context.Context, s *State) error {
		return func(ctx context.Context, s *State) error {
			mu.Lock()
			undone = append(undone, name)
			mu.Unlock()
			return nil
		}
	}
	var fail = &Step{Name: "charge", Action: func(ctx context.Context, s *State) result.Result[any] {
		return result.Fail[any](result.HandlerFailed, "card declined")
	}}
	var def = &Definition{Name: "order", Root: &Compensate{
		OnError: undo("release-stock"),
		Body: Seq(
			&Step{Name: "reserve", Action: func(ctx context.Context, s *State) result.Result[any] {
				return result.Ok[any](nil)
			}},
			&Compensate{
				OnError: undo("void-payment"),
				Body:    Seq(fail),
			},
		),
	}}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "order", nil)
	require.NoError(t, err)
	require.Equal(t, Failed, snap.Status)
	require.Contains(t, snap.LastError, "card declined")
	require.Equal(t, []string{"void-payment", "release-stock"}, undone)
}

func TestWhenAllRunsEveryBranch(t *testing.T) {
	var count int64
	var branch = func(key string) Node {
		return &Step{Name: key, ResultKey: key, Action: func(ctx context.Context, s *State) result.Result[any] {
			atomic.AddInt64(&count, 1)
			return result.Ok[any](key)
		}}
	}
	var def = &Definition{Name: "gather", Root: Seq(
		&WhenAll{Branches: []Node{branch("a"), branch("b"), branch("c")}},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "gather", nil)
	require.NoError(t, err)
	require.Equal(t, Succeeded, snap.Status)
	require.EqualValues(t, 3, count)

	var state = stateFrom(snap)
	for _, key := range []string{"a", "b", "c"} {
		require.Equal(t, key, state.GetString(key))
	}
}

func TestWhenAllBranchFailureFailsFlow(t *testing.T) {
	var def = &Definition{Name: "gather", Root: Seq(
		&WhenAll{Branches: []Node{
			&Step{Name: "ok", Action: func(ctx context.Context, s *State) result.Result[any] {
				return result.Ok[any](nil)
			}},
			&Step{Name: "bad", Action: func(ctx context.Context, s *State) result.Result[any] {
				return result.Fail[any](result.HandlerFailed, "branch down")
			}},
		}},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "gather", nil)
	require.NoError(t, err)
	require.Equal(t, Failed, snap.Status)
	require.Contains(t, snap.LastError, "branch down")
}

func TestWhenAnyFirstSuccessWins(t *testing.T) {
	var def = &Definition{Name: "race", Root: Seq(
		&WhenAny{Branches: []Node{
			&Step{Name: "slow-fail", Action: func(ctx context.Context, s *State) result.Result[any] {
				return result.Fail[any](result.TransportFailed, "mirror down")
			}},
			&Step{Name: "fast", ResultKey: "winner", Action: func(ctx context.Context, s *State) result.Result[any] {
				return result.Ok[any]("primary")
			}},
		}},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "race", nil)
	require.NoError(t, err)
	require.Equal(t, Succeeded, snap.Status)
}

func TestWhenAnyAllFailuresFailFlow(t *testing.T) {
	var failing = func(name string) Node {
		return &Step{Name: name, Action: func(ctx context.Context, s *State) result.Result[any] {
			return result.Fail[any](result.TransportFailed, fmt.Sprintf("%s down", name))
		}}
	}
	var def = &Definition{Name: "race", Root: Seq(
		&WhenAny{Branches: []Node{failing("a"), failing("b")}},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "race", nil)
	require.NoError(t, err)
	require.Equal(t, Failed, snap.Status)
}

func TestWaitInsideParallelBranchIsRejected(t *testing.T) {
	var def = &Definition{Name: "bad", Root: Seq(
		&WhenAll{Branches: []Node{
			&Wait{SignalKeys: []string{"never"}},
		}},
	)}
	var e = newTestEngine(t, NewMemoryStore(), def)

	var snap, err = e.Start(context.Background(), "f1", "bad", nil)
	require.NoError(t, err)
	require.Equal(t, Failed, snap.Status)
	require.Contains(t, snap.LastError, "Wait")
}

// A second engine over the same store picks up where the first stopped,
// both for waiting flows (via Signal) and for running ones (via Recover).
func TestResumeOnNewEngine(t *testing.T) {
	var store = NewMemoryStore()
	var mu sync.Mutex
	var ran []string
	var defs = func() *Definition {
		return &Definition{Name: "handoff", Root: Seq(
			&Wait{SignalKeys: []string{"go"}, Kind: All},
			recordStep("after-wait", &ran, &mu),
		)}
	}

	var first = newTestEngine(t, store, defs())
	var snap, err = first.Start(context.Background(), "f1", "handoff", nil)
	require.NoError(t, err)
	require.Equal(t, WaitingSignal, snap.Status)

	var second = newTestEngine(t, store, defs())
	require.NoError(t, second.Signal(context.Background(), "f1", "go", []byte(`true`)))
	snap, _, _ = store.Get(context.Background(), "f1")
	require.Equal(t, Succeeded, snap.Status)
	require.Equal(t, []string{"after-wait"}, ran)
}

func TestRecoverResumesRunningFlows(t *testing.T) {
	var store = NewMemoryStore()
	var def = &Definition{Name: "job", Root: Seq(
		&Step{Name: "work", ResultKey: "done", Action: func(ctx context.Context, s *State) result.Result[any] {
			return result.Ok[any](true)
		}},
	)}

	// A crashed process left the snapshot Running at the root.
	require.NoError(t, store.Create(context.Background(), Snapshot{
		FlowID: "f1", Flow: "job", State: json.RawMessage(`{}`), Status: Running,
	}))

	var e = newTestEngine(t, store, def)
	var resumed, err = e.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"f1"}, resumed)

	var snap, _, _ = store.Get(context.Background(), "f1")
	require.Equal(t, Succeeded, snap.Status)
}

func TestCancelParksTheFlow(t *testing.T) {
	var def = &Definition{Name: "checkout", Root: Seq(
		&Wait{SignalKeys: []string{"payment"}, Kind: All},
	)}
	var store = NewMemoryStore()
	var e = newTestEngine(t, store, def)
	var ctx = context.Background()

	var _, err = e.Start(ctx, "f1", "checkout", nil)
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, "f1"))

	var snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, Cancelled, snap.Status)
	// Terminal statuses are immutable; a late signal finds nothing waiting.
	require.NoError(t, e.Signal(ctx, "f1", "payment", nil))
	snap, _, _ = store.Get(ctx, "f1")
	require.Equal(t, Cancelled, snap.Status)

	require.NoError(t, e.Cancel(ctx, "f1"))
	require.ErrorIs(t, e.Cancel(ctx, "missing"), ErrNotFound)
}
