// Package saga предоставляет хост для саг-редьюсеров: журнал событий,
// почтовый ящик экземпляра, таймеры, дочерние процессы и восстановление после рестарта.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/eventsourcing"
	"github.com/akriventsev/furnel/framework/metrics"
)

var (
	// ErrInstanceNotFound экземпляр не запущен и не найден в журнале
	ErrInstanceNotFound = errors.New("saga instance not found")
	// ErrInstanceFinished экземпляр с таким id уже завершен
	ErrInstanceFinished = errors.New("saga instance already finished")
)

// DefaultStatusActivity activity, которой хост выполняет PersistStatus
const DefaultStatusActivity = "persistStatus"

// Invoker выполняет activity по имени с политикой класса
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage, class activity.Class) (json.RawMessage, error)
}

// Orchestrator хранит живые экземпляры и маршрутизирует к ним сигналы и запросы
type Orchestrator struct {
	store          eventsourcing.EventStore
	invoker        Invoker
	publisher      events.EventPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
	statusActivity string
	mailboxSize    int
	now            func() time.Time

	definitions *xsync.MapOf[string, Definition]
	instances   *xsync.MapOf[string, *Handle]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option опция оркестратора
type Option func(*Orchestrator)

// WithEventPublisher публикует смену статуса и завершение экземпляров
func WithEventPublisher(publisher events.EventPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithMetrics устанавливает сборщик метрик
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger устанавливает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithStatusActivity переопределяет activity для PersistStatus
func WithStatusActivity(name string) Option {
	return func(o *Orchestrator) {
		o.statusActivity = name
	}
}

// WithMailboxSize размер почтового ящика экземпляра
func WithMailboxSize(size int) Option {
	return func(o *Orchestrator) {
		if size > 0 {
			o.mailboxSize = size
		}
	}
}

// WithClock подменяет часы хоста (время событий и сроки таймеров)
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator создает оркестратор поверх журнала событий и Invoker
func NewOrchestrator(store eventsourcing.EventStore, invoker Invoker, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:          store,
		invoker:        invoker,
		logger:         slog.Default(),
		statusActivity: DefaultStatusActivity,
		mailboxSize:    64,
		now:            func() time.Time { return time.Now().UTC() },
		definitions:    xsync.NewMapOf[string, Definition](),
		instances:      xsync.NewMapOf[string, *Handle](),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register регистрирует определение саги
func (o *Orchestrator) Register(def Definition) error {
	if _, loaded := o.definitions.LoadOrStore(def.Name(), def); loaded {
		return core.NewError(core.ErrAlreadyExists, fmt.Sprintf("saga definition %s already registered", def.Name()))
	}
	return nil
}

// Start запускает экземпляр definition с идентификатором id.
// Для уже запущенного id возвращается существующий Handle;
// для открытого потока в журнале экземпляр восстанавливается, input игнорируется.
func (o *Orchestrator) Start(ctx context.Context, definition, id string, input json.RawMessage) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, ok := o.definitions.Load(definition)
	if !ok {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("saga definition %s is not registered", definition))
	}
	return o.launch(def, id, input, Origin{Definition: definition})
}

func (o *Orchestrator) launch(def Definition, id string, input json.RawMessage, origin Origin) (*Handle, error) {
	if o.ctx.Err() != nil {
		return nil, fmt.Errorf("orchestrator is shut down: %w", o.ctx.Err())
	}
	h, loaded := o.instances.LoadOrCompute(id, func() *Handle {
		return newHandle(o, def, id, origin)
	})
	if loaded {
		return h, nil
	}

	if err := h.boot(input); err != nil {
		o.instances.Delete(id)
		h.cancel()
		close(h.done)
		return nil, err
	}

	o.wg.Add(1)
	o.metrics.IncrementActiveSagas(o.ctx, def.Name())
	go h.run()
	return h, nil
}

// release убирает экземпляр из реестра, если там все еще он
func (o *Orchestrator) release(h *Handle) {
	o.instances.Compute(h.id, func(current *Handle, loaded bool) (*Handle, bool) {
		return current, !loaded || current == h
	})
	o.metrics.DecrementActiveSagas(o.ctx, h.def.Name())
}

// Signal ставит сигнал в очередь экземпляра и не ждет его обработки
func (o *Orchestrator) Signal(ctx context.Context, id, name string, payload json.RawMessage) error {
	h, ok := o.instances.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err := h.send(ctx, Event{Type: SignalEventType(name), Name: name, Payload: payload}); err != nil {
		return err
	}
	o.metrics.RecordSignal(ctx, name)
	return nil
}

// Query возвращает снимок экземпляра не блокируясь на его обработке.
// Для завершенных экземпляров состояние сворачивается из журнала.
func (o *Orchestrator) Query(ctx context.Context, id string) (Snapshot, error) {
	if h, ok := o.instances.Load(id); ok {
		if s := h.snapshot.Load(); s != nil {
			return *s, nil
		}
	}
	return o.fold(ctx, id)
}

// Handle возвращает живой экземпляр
func (o *Orchestrator) Handle(id string) (*Handle, bool) {
	return o.instances.Load(id)
}

// Running количество живых экземпляров
func (o *Orchestrator) Running() int {
	return o.instances.Size()
}

func (o *Orchestrator) fold(ctx context.Context, id string) (Snapshot, error) {
	stored, err := o.store.GetEvents(ctx, id, 0)
	if errors.Is(err, eventsourcing.ErrStreamNotFound) || (err == nil && len(stored) == 0) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load stream %s: %w", id, err)
	}

	first, err := eventFromStored(stored[0])
	if err != nil {
		return Snapshot{}, err
	}
	if first.Type != EventStarted || first.Origin == nil {
		return Snapshot{}, core.NewError(core.ErrStorage, fmt.Sprintf("stream %s does not begin with %s", id, EventStarted))
	}
	def, ok := o.definitions.Load(first.Origin.Definition)
	if !ok {
		return Snapshot{}, core.NewError(core.ErrNotFound, fmt.Sprintf("saga definition %s is not registered", first.Origin.Definition))
	}
	state, err := def.Init(id, first.Payload)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{ID: id, Definition: def.Name()}
	for _, record := range stored {
		ev, err := eventFromStored(record)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Version = record.Version
		snapshot.UpdatedAt = ev.OccurredAt
		if ev.Type == EventTerminated {
			snapshot.Done = true
			snapshot.Result = ev.Payload
			break
		}
		state, _ = def.Reduce(state, ev)
	}
	snapshot.State = state
	return snapshot, nil
}

// RecoveryReport итог восстановления
type RecoveryReport struct {
	Resumed  []string
	Orphaned []string
	Failed   map[string]error
}

// Recover находит потоки с saga.started без saga.terminated, сворачивает их
// и повторно выпускает незавершенные эффекты. Дочерние экземпляры поднимает их родитель;
// дочерние без живого родителя закрываются.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	report := RecoveryReport{Failed: make(map[string]error)}

	ids, err := eventsourcing.OpenStreams(ctx, o.store, EventStarted, EventTerminated)
	if err != nil {
		return report, err
	}

	var children []string
	parents := make(map[string]string)
	for _, id := range ids {
		origin, err := o.originOf(ctx, id)
		if err != nil {
			report.Failed[id] = err
			continue
		}
		if origin.Parent != "" {
			children = append(children, id)
			parents[id] = origin.Parent
			continue
		}
		def, ok := o.definitions.Load(origin.Definition)
		if !ok {
			report.Failed[id] = core.NewError(core.ErrNotFound, fmt.Sprintf("saga definition %s is not registered", origin.Definition))
			continue
		}
		if _, err := o.launch(def, id, nil, origin); err != nil {
			report.Failed[id] = err
			continue
		}
		report.Resumed = append(report.Resumed, id)
	}

	for _, id := range children {
		if _, live := o.instances.Load(parents[id]); live {
			continue
		}
		if err := o.closeOrphan(ctx, id); err != nil {
			report.Failed[id] = err
			continue
		}
		report.Orphaned = append(report.Orphaned, id)
	}

	o.logger.Info("recovery finished",
		"resumed", len(report.Resumed), "orphaned", len(report.Orphaned), "failed", len(report.Failed))
	return report, nil
}

func (o *Orchestrator) originOf(ctx context.Context, id string) (Origin, error) {
	stored, err := o.store.GetEvents(ctx, id, 0)
	if err != nil {
		return Origin{}, err
	}
	if len(stored) == 0 {
		return Origin{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	first, err := eventFromStored(stored[0])
	if err != nil {
		return Origin{}, err
	}
	if first.Origin == nil {
		return Origin{}, core.NewError(core.ErrStorage, fmt.Sprintf("stream %s has no origin", id))
	}
	return *first.Origin, nil
}

func (o *Orchestrator) closeOrphan(ctx context.Context, id string) error {
	stored, err := o.store.GetEvents(ctx, id, 0)
	if err != nil {
		return err
	}
	ev := Event{Type: EventTerminated, Name: terminatedParentClosed, OccurredAt: o.now()}
	record, err := ev.toDomainEvent(id)
	if err != nil {
		return err
	}
	version := stored[len(stored)-1].Version
	if err := o.store.AppendEvents(ctx, id, version, []events.Event{record}); err != nil {
		return fmt.Errorf("failed to close orphan %s: %w", id, err)
	}
	o.logger.Info("orphan child closed", "saga_id", id)
	return nil
}

func (o *Orchestrator) deliver(id string, ev Event) {
	h, ok := o.instances.Load(id)
	if !ok {
		o.logger.Warn("event for finished saga dropped", "saga_id", id, "type", ev.Type)
		return
	}
	if err := h.send(o.ctx, ev); err != nil {
		o.logger.Warn("event not delivered", "saga_id", id, "type", ev.Type, "error", err)
	}
}

// terminate закрывает живой дочерний экземпляр при закрытии родителя
func (o *Orchestrator) terminate(id string) {
	o.deliver(id, Event{Type: EventTerminated, Name: terminatedParentClosed})
}

func (o *Orchestrator) publishEvent(eventType, id string, payload json.RawMessage) {
	if o.publisher == nil {
		return
	}
	ev := events.NewBaseEventAt(eventType, id, o.now()).WithPayload(payload)
	if err := o.publisher.Publish(o.ctx, ev); err != nil {
		o.logger.Warn("failed to publish saga event", "saga_id", id, "type", eventType, "error", err)
	}
}

// Shutdown останавливает все экземпляры без записи saga.terminated.
// Незавершенные потоки поднимаются следующим Recover.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
