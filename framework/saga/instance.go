package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/eventsourcing"
)

const (
	terminatedCompleted    = "completed"
	terminatedParentClosed = "parent_closed"
)

// Snapshot неизменяемый снимок состояния экземпляра
type Snapshot struct {
	ID         string
	Definition string
	State      any
	Version    int64
	Done       bool
	Result     json.RawMessage
	UpdatedAt  time.Time
}

// Handle живой экземпляр саги.
// Все поля ниже mailbox принадлежат горутине экземпляра.
type Handle struct {
	id     string
	def    Definition
	origin Origin
	o      *Orchestrator
	logger *slog.Logger

	snapshot atomic.Pointer[Snapshot]
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	mailbox  chan Event

	state      any
	version    int64
	pending    *pending
	timers     map[string]*time.Timer
	backlog    []scheduled
	lastStatus string
	finished   bool
	result     json.RawMessage
}

type finishedError struct {
	id     string
	result json.RawMessage
}

func (e *finishedError) Error() string {
	return fmt.Sprintf("saga %s already finished", e.id)
}

func (e *finishedError) Unwrap() error {
	return ErrInstanceFinished
}

func newHandle(o *Orchestrator, def Definition, id string, origin Origin) *Handle {
	ctx, cancel := context.WithCancel(o.ctx)
	return &Handle{
		id:      id,
		def:     def,
		origin:  origin,
		o:       o,
		logger:  o.logger.With("saga_id", id, "definition", def.Name()),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		mailbox: make(chan Event, o.mailboxSize),
		pending: newPending(),
		timers:  make(map[string]*time.Timer),
	}
}

// ID идентификатор экземпляра
func (h *Handle) ID() string {
	return h.id
}

// Snapshot последний опубликованный снимок; не блокирует
func (h *Handle) Snapshot() Snapshot {
	if s := h.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{ID: h.id, Definition: h.def.Name()}
}

// Done закрывается, когда горутина экземпляра завершилась
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait ждет завершения экземпляра и возвращает финальный снимок
func (h *Handle) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

func (h *Handle) send(ctx context.Context, ev Event) error {
	select {
	case h.mailbox <- ev:
		return nil
	case <-h.done:
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, h.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// boot начинает новый поток или восстанавливает существующий из журнала
func (h *Handle) boot(input json.RawMessage) error {
	stored, err := h.o.store.GetEvents(h.ctx, h.id, 0)
	if err != nil && !errors.Is(err, eventsourcing.ErrStreamNotFound) {
		return fmt.Errorf("failed to load stream %s: %w", h.id, err)
	}
	if len(stored) == 0 {
		return h.begin(input)
	}
	return h.replay(stored)
}

func (h *Handle) begin(input json.RawMessage) error {
	state, err := h.def.Init(h.id, input)
	if err != nil {
		return err
	}
	h.state = state

	origin := h.origin
	ev := Event{Type: EventStarted, Payload: input, Origin: &origin, OccurredAt: h.o.now()}
	if err := h.append(ev); err != nil {
		return err
	}
	h.backlog = h.reduce(ev)
	h.publish(ev.OccurredAt)
	h.logger.Info("saga started")
	return nil
}

func (h *Handle) replay(stored []eventsourcing.StoredEvent) error {
	var completion *scheduled
	for i, record := range stored {
		ev, err := eventFromStored(record)
		if err != nil {
			return err
		}
		if i == 0 {
			if ev.Type != EventStarted {
				return core.NewError(core.ErrStorage, fmt.Sprintf("stream %s does not begin with %s", h.id, EventStarted))
			}
			if h.state, err = h.def.Init(h.id, ev.Payload); err != nil {
				return err
			}
			if ev.Origin != nil {
				h.origin = *ev.Origin
			}
		}
		if ev.Type == EventTerminated {
			return &finishedError{id: h.id, result: ev.Payload}
		}
		h.pending.resolve(ev)
		for _, s := range h.reduce(ev) {
			if _, ok := s.effect.(Complete); ok {
				completion = &s
			}
		}
		h.version = record.Version
	}

	h.backlog = h.pending.outstanding()
	if completion != nil {
		h.backlog = append(h.backlog, *completion)
	}
	h.publish(h.o.now())
	h.logger.Info("saga recovered", "version", h.version, "outstanding", len(h.backlog))
	return nil
}

func (h *Handle) run() {
	defer h.o.wg.Done()
	defer close(h.done)
	defer h.o.release(h)
	defer h.cancel()
	defer h.stopTimers()

	backlog := h.backlog
	h.backlog = nil
	h.drain(h.execute(backlog))

	for !h.finished {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.mailbox:
			h.drain([]Event{ev})
		}
	}
}

// drain применяет события по очереди вместе с синхронными ответами на их эффекты
func (h *Handle) drain(queue []Event) {
	for len(queue) > 0 && !h.finished {
		if h.ctx.Err() != nil {
			return
		}
		ev := queue[0]
		queue = queue[1:]

		if ev.Type == EventTerminated {
			h.terminate(ev)
			return
		}
		if !h.pending.accepts(ev) {
			h.logger.Debug("dropping stale event", "type", ev.Type, "seq", ev.Seq, "name", ev.Name)
			continue
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = h.o.now()
		}
		if err := h.append(ev); err != nil {
			h.abort(err)
			return
		}
		h.pending.resolve(ev)
		effects := h.reduce(ev)
		h.publish(ev.OccurredAt)
		queue = append(queue, h.execute(effects)...)
	}
}

func (h *Handle) reduce(ev Event) []scheduled {
	next, effects := h.def.Reduce(h.state, ev)
	h.state = next
	out := make([]scheduled, 0, len(effects))
	for _, e := range effects {
		out = append(out, h.pending.track(e))
	}
	return out
}

// execute выполняет эффекты по порядку и возвращает события синхронных эффектов
func (h *Handle) execute(effects []scheduled) []Event {
	var out []Event
	for _, s := range effects {
		if h.ctx.Err() != nil || h.finished {
			return out
		}
		switch e := s.effect.(type) {
		case RunActivity:
			go h.runActivity(s.seq, e)
		case PersistStatus:
			if ev, ok := h.persist(s.seq, e); ok {
				out = append(out, ev)
			}
		case StartChild:
			out = append(out, h.startChild(e)...)
		case SignalChild:
			h.signalChild(e)
		case StartTimer:
			h.armTimer(s.seq, e)
		case CancelTimer:
			if t, ok := h.timers[e.Name]; ok {
				t.Stop()
				delete(h.timers, e.Name)
			}
		case NotifyParent:
			if h.origin.Parent != "" {
				h.o.deliver(h.origin.Parent, Event{
					Type:    EventChildReported,
					Child:   h.origin.ChildName,
					Name:    e.Name,
					Payload: e.Payload,
				})
			}
		case Complete:
			h.complete(e.Result)
			return out
		}
	}
	return out
}

func (h *Handle) runActivity(seq uint64, e RunActivity) {
	result, err := h.o.invoker.Invoke(h.ctx, e.Name, e.Args, e.Class)
	if h.ctx.Err() != nil {
		return
	}
	ev := Event{Type: EventActivityCompleted, Seq: seq, Name: e.Name, Payload: result}
	if err != nil {
		ev = Event{Type: EventActivityFailed, Seq: seq, Name: e.Name, Failure: FailureOf(err)}
	}
	if err := h.send(h.ctx, ev); err != nil {
		h.logger.Debug("activity result not delivered", "activity", e.Name, "error", err)
	}
}

// persist пишет статус синхронно; ok=false если экземпляр останавливается
func (h *Handle) persist(seq uint64, e PersistStatus) (Event, bool) {
	_, err := h.o.invoker.Invoke(h.ctx, h.o.statusActivity, e.Args, activity.Fast)
	if h.ctx.Err() != nil {
		return Event{}, false
	}
	if err != nil {
		h.logger.Error("status persist failed", "status", e.Status, "error", err)
		return Event{Type: EventStatusPersistFailed, Seq: seq, Name: e.Status, Failure: FailureOf(err)}, true
	}

	h.o.metrics.RecordTransition(h.ctx, h.def.Name(), h.lastStatus, e.Status)
	h.lastStatus = e.Status
	h.o.publishEvent(EventStatusPersisted, h.id, e.Args)
	return Event{Type: EventStatusPersisted, Seq: seq, Name: e.Status}, true
}

func (h *Handle) startChild(e StartChild) []Event {
	failed := func(err error) []Event {
		h.logger.Error("child start failed", "child", e.Name, "error", err)
		return []Event{{Type: EventChildCompleted, Child: e.Name, Failure: FailureOf(err)}}
	}

	def, ok := h.o.definitions.Load(e.Definition)
	if !ok {
		return failed(core.NewError(core.ErrNotFound, fmt.Sprintf("saga definition %s is not registered", e.Definition)))
	}
	_, err := h.o.launch(def, e.ID, e.Input, Origin{Definition: e.Definition, Parent: h.id, ChildName: e.Name})
	var finished *finishedError
	if errors.As(err, &finished) {
		return []Event{{Type: EventChildCompleted, Child: e.Name, Payload: finished.result}}
	}
	if err != nil {
		return failed(err)
	}
	return nil
}

func (h *Handle) signalChild(e SignalChild) {
	id, ok := h.pending.childID(e.Child)
	if !ok {
		h.logger.Debug("signal for finished child dropped", "child", e.Child, "signal", e.Signal)
		return
	}
	if err := h.o.Signal(h.ctx, id, e.Signal, e.Payload); err != nil {
		h.logger.Debug("signal for child not delivered", "child", e.Child, "signal", e.Signal, "error", err)
	}
}

func (h *Handle) armTimer(seq uint64, e StartTimer) {
	if t, ok := h.timers[e.Name]; ok {
		t.Stop()
	}
	delay := max(e.Deadline.Sub(h.o.now()), 0)
	h.timers[e.Name] = time.AfterFunc(delay, func() {
		_ = h.send(h.ctx, Event{Type: EventTimerFired, Seq: seq, Name: e.Name})
	})
}

func (h *Handle) stopTimers() {
	for name, t := range h.timers {
		t.Stop()
		delete(h.timers, name)
	}
}

func (h *Handle) complete(result json.RawMessage) {
	ev := Event{Type: EventTerminated, Name: terminatedCompleted, Payload: result, OccurredAt: h.o.now()}
	if err := h.append(ev); err != nil {
		h.abort(err)
		return
	}
	h.finish(ev)

	if h.origin.Parent != "" {
		h.o.deliver(h.origin.Parent, Event{Type: EventChildCompleted, Child: h.origin.ChildName, Payload: result})
	}
	h.logger.Info("saga completed")
}

// terminate закрывает экземпляр без участия редьюсера (закрытие родителя)
func (h *Handle) terminate(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = h.o.now()
	}
	if err := h.append(ev); err != nil {
		h.abort(err)
		return
	}
	h.finish(ev)
	h.logger.Info("saga terminated", "reason", ev.Name)
}

func (h *Handle) finish(ev Event) {
	h.finished = true
	h.result = ev.Payload
	h.stopTimers()

	for _, s := range h.pending.children {
		h.o.terminate(s.effect.(StartChild).ID)
	}
	h.publish(ev.OccurredAt)
	h.o.publishEvent(EventTerminated, h.id, ev.Payload)
}

// abort останавливает экземпляр без записи saga.terminated; поток остается открытым для Recover
func (h *Handle) abort(err error) {
	h.finished = true
	h.logger.Error("saga aborted, stream left open for recovery", "error", err)
}

func (h *Handle) append(ev Event) error {
	record, err := ev.toDomainEvent(h.id)
	if err != nil {
		return err
	}
	operation := func() (struct{}, error) {
		err := h.o.store.AppendEvents(h.ctx, h.id, h.version, []events.Event{record})
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	if _, err := backoff.Retry(h.ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(50*time.Millisecond)),
		backoff.WithMaxTries(3),
	); err != nil {
		return fmt.Errorf("failed to append %s to %s: %w", ev.Type, h.id, err)
	}
	h.version++
	return nil
}

func (h *Handle) publish(at time.Time) {
	h.snapshot.Store(&Snapshot{
		ID:         h.id,
		Definition: h.def.Name(),
		State:      h.state,
		Version:    h.version,
		Done:       h.finished,
		Result:     h.result,
		UpdatedAt:  at,
	})
}
