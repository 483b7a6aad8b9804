package saga

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/eventsourcing"
)

type testState struct {
	ID  string
	N   int
	Log []string
}

func (s testState) with(entry string) testState {
	s.Log = append(slices.Clone(s.Log), entry)
	return s
}

func initTest(id string, input json.RawMessage) (testState, error) {
	s := testState{ID: id}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &s.N); err != nil {
			return testState{}, err
		}
	}
	return s, nil
}

func tinyInvoker(t *testing.T, fns map[string]activity.Func) *activity.Invoker {
	t.Helper()
	registry := activity.NewRegistry()
	if _, ok := fns[DefaultStatusActivity]; !ok {
		fns[DefaultStatusActivity] = func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		}
	}
	for name, fn := range fns {
		require.NoError(t, registry.Register(name, fn))
	}
	policy := activity.Policy{
		MaxAttempts:         2,
		InitialInterval:     time.Millisecond,
		MaxInterval:         time.Millisecond,
		Multiplier:          1,
		StartToCloseTimeout: time.Second,
	}
	return activity.NewInvoker(registry,
		activity.WithPolicy(activity.Fast, policy),
		activity.WithPolicy(activity.LongRunning, policy),
		activity.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func newTestOrchestrator(t *testing.T, store eventsourcing.EventStore, invoker Invoker, defs ...Definition) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(store, invoker, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	for _, def := range defs {
		require.NoError(t, o.Register(def))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func waitDone(t *testing.T, h *Handle) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := h.Wait(ctx)
	require.NoError(t, err, "saga %s did not finish", h.ID())
	return snapshot
}

// calc: удваивает число activity и сохраняет статус
var calcDefinition = NewDefinition("calc", initTest, func(s testState, ev Event) (testState, []Effect) {
	s = s.with(ev.Type)
	switch ev.Type {
	case EventStarted:
		return s, []Effect{
			PersistStatus{Status: "RUNNING", Args: MustJSON(map[string]string{"id": s.ID, "status": "RUNNING"})},
			RunActivity{Name: "double", Args: MustJSON(s.N), Class: activity.Fast},
		}
	case EventActivityCompleted:
		_ = json.Unmarshal(ev.Payload, &s.N)
		return s, []Effect{Complete{Result: MustJSON(s.N)}}
	case EventActivityFailed:
		return s, []Effect{Complete{Result: MustJSON(ev.Failure.Message)}}
	}
	return s, nil
})

func doubleActivity(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var n int
	if err := json.Unmarshal(args, &n); err != nil {
		return nil, err
	}
	return MustJSON(n * 2), nil
}

func TestOrchestrator_RunsActivityAndCompletes(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	inv := tinyInvoker(t, map[string]activity.Func{"double": doubleActivity})
	o := newTestOrchestrator(t, store, inv, calcDefinition)

	h, err := o.Start(context.Background(), "calc", "calc-1", MustJSON(21))
	require.NoError(t, err)

	snapshot := waitDone(t, h)
	assert.True(t, snapshot.Done)
	assert.JSONEq(t, "42", string(snapshot.Result))

	state, ok := StateOf[testState](snapshot)
	require.True(t, ok)
	assert.Equal(t, 42, state.N)
	assert.Equal(t, []string{EventStarted, EventStatusPersisted, EventActivityCompleted}, state.Log)

	stored, err := store.GetEvents(context.Background(), "calc-1", 0)
	require.NoError(t, err)
	var types []string
	for _, e := range stored {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{EventStarted, EventStatusPersisted, EventActivityCompleted, EventTerminated}, types)
}

func TestOrchestrator_PersistFailureIsRecorded(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	inv := tinyInvoker(t, map[string]activity.Func{
		"double": doubleActivity,
		DefaultStatusActivity: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, activity.NewNonRetryableError("db is read-only", nil)
		},
	})
	o := newTestOrchestrator(t, store, inv, calcDefinition)

	h, err := o.Start(context.Background(), "calc", "calc-persist", MustJSON(1))
	require.NoError(t, err)
	snapshot := waitDone(t, h)

	state, _ := StateOf[testState](snapshot)
	assert.Contains(t, state.Log, EventStatusPersistFailed)
	assert.Equal(t, 2, state.N)
}

func TestOrchestrator_StartIsIdempotentForRunningID(t *testing.T) {
	release := make(chan struct{})
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	inv := tinyInvoker(t, map[string]activity.Func{"double": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-release
		return doubleActivity(ctx, args)
	}})
	o := newTestOrchestrator(t, store, inv, calcDefinition)

	first, err := o.Start(context.Background(), "calc", "calc-dup", MustJSON(2))
	require.NoError(t, err)
	second, err := o.Start(context.Background(), "calc", "calc-dup", MustJSON(100))
	require.NoError(t, err)
	assert.Same(t, first, second)

	close(release)
	snapshot := waitDone(t, first)
	assert.JSONEq(t, "4", string(snapshot.Result))

	_, err = o.Start(context.Background(), "calc", "calc-dup", MustJSON(2))
	assert.ErrorIs(t, err, ErrInstanceFinished)
}

// collector: собирает сигналы в порядке поступления
var collectorDefinition = NewDefinition("collector", initTest, func(s testState, ev Event) (testState, []Effect) {
	name, ok := ev.Signal()
	if !ok {
		return s, nil
	}
	var value string
	_ = json.Unmarshal(ev.Payload, &value)
	s = s.with(name + ":" + value)
	if name == "stop" {
		return s, []Effect{Complete{Result: MustJSON(s.Log)}}
	}
	return s, nil
})

func TestOrchestrator_SignalsAppliedInArrivalOrder(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), collectorDefinition)
	ctx := context.Background()

	h, err := o.Start(ctx, "collector", "col-1", nil)
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, o.Signal(ctx, "col-1", "add", MustJSON(v)))
	}
	require.NoError(t, o.Signal(ctx, "col-1", "stop", MustJSON("")))

	snapshot := waitDone(t, h)
	var log []string
	require.NoError(t, json.Unmarshal(snapshot.Result, &log))
	assert.Equal(t, []string{"add:a", "add:b", "add:c", "stop:"}, log)

	// после завершения запрос сворачивает журнал
	folded, err := o.Query(ctx, "col-1")
	require.NoError(t, err)
	assert.True(t, folded.Done)
	state, _ := StateOf[testState](folded)
	assert.Equal(t, log, state.Log)
}

func TestOrchestrator_UnknownInstance(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), collectorDefinition)

	_, err := o.Query(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	err = o.Signal(context.Background(), "missing", "add", nil)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

// timed: ждет сигнал stop или срабатывание таймера
var timedDefinition = NewDefinition("timed", initTest, func(s testState, ev Event) (testState, []Effect) {
	switch ev.Type {
	case EventStarted:
		return s, []Effect{StartTimer{Name: "budget", Deadline: ev.OccurredAt.Add(time.Duration(s.N) * time.Millisecond)}}
	case EventTimerFired:
		return s.with("fired"), []Effect{Complete{Result: MustJSON("timeout")}}
	}
	if name, ok := ev.Signal(); ok && name == "stop" {
		return s.with("stopped"), []Effect{CancelTimer{Name: "budget"}, Complete{Result: MustJSON("stopped")}}
	}
	return s, nil
})

func TestOrchestrator_TimerFires(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), timedDefinition)

	h, err := o.Start(context.Background(), "timed", "timed-1", MustJSON(10))
	require.NoError(t, err)
	snapshot := waitDone(t, h)
	assert.JSONEq(t, `"timeout"`, string(snapshot.Result))
}

func TestOrchestrator_CancelledTimerDoesNotFire(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), timedDefinition)

	h, err := o.Start(context.Background(), "timed", "timed-2", MustJSON(60_000))
	require.NoError(t, err)
	require.NoError(t, o.Signal(context.Background(), "timed-2", "stop", nil))

	snapshot := waitDone(t, h)
	assert.JSONEq(t, `"stopped"`, string(snapshot.Result))
	state, _ := StateOf[testState](snapshot)
	assert.Equal(t, []string{"stopped"}, state.Log)
}

// parent/worker: родитель ждет отчет ребенка, пересылает ему сигнал и забирает результат
var parentDefinition = NewDefinition("parent", initTest, func(s testState, ev Event) (testState, []Effect) {
	switch ev.Type {
	case EventStarted:
		return s, []Effect{StartChild{Name: "worker", Definition: "worker", ID: s.ID + "/worker", Input: MustJSON(s.N)}}
	case EventChildReported:
		s = s.with("reported:" + ev.Name)
		if s.N < 0 {
			return s, []Effect{Complete{Result: MustJSON("abandoned")}}
		}
		return s, []Effect{SignalChild{Child: "worker", Signal: "go", Payload: MustJSON("x")}}
	case EventChildCompleted:
		return s.with("child:" + ev.Child), []Effect{Complete{Result: ev.Payload}}
	}
	return s, nil
})

var workerDefinition = NewDefinition("worker", initTest, func(s testState, ev Event) (testState, []Effect) {
	if ev.Type == EventStarted {
		return s, []Effect{NotifyParent{Name: "ready"}}
	}
	if name, ok := ev.Signal(); ok && name == "go" {
		return s, []Effect{Complete{Result: MustJSON("worked")}}
	}
	return s, nil
})

func TestOrchestrator_ChildLifecycle(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), parentDefinition, workerDefinition)

	h, err := o.Start(context.Background(), "parent", "p-1", MustJSON(1))
	require.NoError(t, err)

	snapshot := waitDone(t, h)
	assert.JSONEq(t, `"worked"`, string(snapshot.Result))
	state, _ := StateOf[testState](snapshot)
	assert.Equal(t, []string{"reported:ready", "child:worker"}, state.Log)

	child, err := o.Query(context.Background(), "p-1/worker")
	require.NoError(t, err)
	assert.True(t, child.Done)
}

func TestOrchestrator_ParentCloseTerminatesChild(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), parentDefinition, workerDefinition)

	h, err := o.Start(context.Background(), "parent", "p-2", MustJSON(-1))
	require.NoError(t, err)
	snapshot := waitDone(t, h)
	assert.JSONEq(t, `"abandoned"`, string(snapshot.Result))

	require.Eventually(t, func() bool {
		stored, err := store.GetEvents(context.Background(), "p-2/worker", 0)
		if err != nil || len(stored) == 0 {
			return false
		}
		last, err := eventFromStored(stored[len(stored)-1])
		return err == nil && last.Type == EventTerminated && last.Name == terminatedParentClosed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_RecoverResumesOutstandingActivity(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	var started atomic.Bool
	stuck := tinyInvoker(t, map[string]activity.Func{"double": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		started.Store(true)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	first := NewOrchestrator(store, stuck, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, first.Register(calcDefinition))
	_, err := first.Start(context.Background(), "calc", "calc-crash", MustJSON(5))
	require.NoError(t, err)
	require.Eventually(t, started.Load, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, first.Shutdown(ctx))

	second := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{"double": doubleActivity}), calcDefinition)
	report, err := second.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"calc-crash"}, report.Resumed)
	assert.Empty(t, report.Failed)

	var snapshot Snapshot
	require.Eventually(t, func() bool {
		snapshot, err = second.Query(context.Background(), "calc-crash")
		return err == nil && snapshot.Done
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, "10", string(snapshot.Result))

	state, _ := StateOf[testState](snapshot)
	// started и status.persisted восстановлены сверткой, а не выполнены заново
	assert.Equal(t, []string{EventStarted, EventStatusPersisted, EventActivityCompleted}, state.Log)
}

func TestOrchestrator_RecoverClosesOrphanChild(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	ctx := context.Background()

	// родитель завершен, ребенок остался открытым
	writeStream(t, store, "p-3", []Event{
		{Type: EventStarted, Origin: &Origin{Definition: "parent"}, Payload: MustJSON(1)},
		{Type: EventTerminated, Name: terminatedCompleted},
	})
	writeStream(t, store, "p-3/worker", []Event{
		{Type: EventStarted, Origin: &Origin{Definition: "worker", Parent: "p-3", ChildName: "worker"}, Payload: MustJSON(1)},
	})

	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), parentDefinition, workerDefinition)
	report, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Resumed)
	assert.Equal(t, []string{"p-3/worker"}, report.Orphaned)

	snapshot, err := o.Query(ctx, "p-3/worker")
	require.NoError(t, err)
	assert.True(t, snapshot.Done)
}

func TestOrchestrator_RecoverRedeliversChildReport(t *testing.T) {
	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	ctx := context.Background()

	// ребенок успел выпустить отчет, родитель его не записал
	writeStream(t, store, "p-4", []Event{
		{Type: EventStarted, Origin: &Origin{Definition: "parent"}, Payload: MustJSON(1)},
	})
	writeStream(t, store, "p-4/worker", []Event{
		{Type: EventStarted, Origin: &Origin{Definition: "worker", Parent: "p-4", ChildName: "worker"}, Payload: MustJSON(1)},
	})

	o := newTestOrchestrator(t, store, tinyInvoker(t, map[string]activity.Func{}), parentDefinition, workerDefinition)
	report, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-4"}, report.Resumed)
	assert.Empty(t, report.Orphaned)

	var snapshot Snapshot
	require.Eventually(t, func() bool {
		snapshot, err = o.Query(ctx, "p-4")
		return err == nil && snapshot.Done
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `"worked"`, string(snapshot.Result))
	state, _ := StateOf[testState](snapshot)
	assert.Equal(t, []string{"reported:ready", "child:worker"}, state.Log)
}

func TestPending_OutstandingKeepsReports(t *testing.T) {
	p := newPending()
	p.track(StartChild{Name: "worker", ID: "p/worker"})
	report := p.track(NotifyParent{Name: "ready"})
	p.track(RunActivity{Name: "double"})
	p.resolve(Event{Type: EventActivityCompleted, Seq: 3})

	out := p.outstanding()
	require.Len(t, out, 2)
	assert.Equal(t, report, out[1])
}

func writeStream(t *testing.T, store eventsourcing.EventStore, id string, evs []Event) {
	t.Helper()
	for i, ev := range evs {
		ev.OccurredAt = time.Now().UTC()
		record, err := ev.toDomainEvent(id)
		require.NoError(t, err)
		require.NoError(t, store.AppendEvents(context.Background(), id, int64(i), []events.Event{record}))
	}
}

func TestFailureOf(t *testing.T) {
	f := FailureOf(activity.NewProviderRejectedError("account closed"))
	assert.Equal(t, string(activity.KindNonRetryable), f.Kind)
	assert.Equal(t, activity.ErrProviderRejected, f.Code)
	assert.True(t, errors.Is(activity.NewProviderRejectedError("x"), activity.NewProviderRejectedError("y")))
}
