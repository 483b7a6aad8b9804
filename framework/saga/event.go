package saga

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/eventsourcing"
)

// Типы событий журнала экземпляра
const (
	EventStarted             = "saga.started"
	EventActivityCompleted   = "activity.completed"
	EventActivityFailed      = "activity.failed"
	EventChildCompleted      = "child.completed"
	EventChildReported       = "child.reported"
	EventTimerFired          = "timer.fired"
	EventStatusPersisted     = "status.persisted"
	EventStatusPersistFailed = "status.persist_failed"
	EventTerminated          = "saga.terminated"

	signalPrefix = "signal."
)

// Event событие, применяемое к экземпляру саги
type Event struct {
	Type string `json:"type"`
	// Seq связывает ответ с эффектом, который его запросил
	Seq        uint64          `json:"seq,omitempty"`
	Name       string          `json:"name,omitempty"`
	Child      string          `json:"child,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Failure    *Failure        `json:"failure,omitempty"`
	Origin     *Origin         `json:"origin,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Failure описание ошибки activity в журнале
type Failure struct {
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Origin откуда запущен экземпляр (только у saga.started)
type Origin struct {
	Definition string `json:"definition"`
	Parent     string `json:"parent,omitempty"`
	ChildName  string `json:"childName,omitempty"`
}

// SignalEventType тип события для сигнала name
func SignalEventType(name string) string {
	return signalPrefix + name
}

// Signal возвращает имя сигнала, если событие является сигналом
func (e Event) Signal() (string, bool) {
	return strings.CutPrefix(e.Type, signalPrefix)
}

// Decode разбирает Payload в v
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return core.NewError(core.ErrInvalidInput, fmt.Sprintf("event %s has empty payload", e.Type))
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return core.Wrap(err, core.ErrInvalidInput, fmt.Sprintf("decode %s payload", e.Type))
	}
	return nil
}

// Error текст ошибки для activity.failed
func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// FailureOf строит Failure из ошибки Invoker
func FailureOf(err error) *Failure {
	return &Failure{
		Code:    core.CodeOf(err),
		Kind:    string(activity.Classify(err)),
		Message: err.Error(),
	}
}

func (e Event) toDomainEvent(instanceID string) (*events.BaseEvent, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Type, err)
	}
	ev := events.NewBaseEventAt(e.Type, instanceID, e.OccurredAt).WithPayload(data)
	ev.WithMetadata("aggregate_type", "saga")
	return ev, nil
}

func eventFromStored(stored eventsourcing.StoredEvent) (Event, error) {
	var e Event
	if err := json.Unmarshal(stored.Data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode stored event %s v%d: %w", stored.EventType, stored.Version, err)
	}
	return e, nil
}

// isResponse ответ на ранее выпущенный эффект
func (e Event) isResponse() bool {
	switch e.Type {
	case EventActivityCompleted, EventActivityFailed, EventTimerFired,
		EventStatusPersisted, EventStatusPersistFailed, EventChildCompleted:
		return true
	}
	return false
}
