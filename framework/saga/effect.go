package saga

import (
	"encoding/json"
	"time"

	"github.com/akriventsev/furnel/framework/activity"
)

// Effect побочный эффект, который редьюсер просит выполнить хост.
// Редьюсер только возвращает эффекты; выполняет их хост.
type Effect interface {
	isEffect()
}

// RunActivity асинхронный вызов activity через Invoker.
// Результат возвращается событием activity.completed или activity.failed.
type RunActivity struct {
	Name  string
	Args  json.RawMessage
	Class activity.Class
}

// PersistStatus синхронная запись статуса с Fast-политикой.
// Выполняется до всех последующих эффектов; результат status.persisted или status.persist_failed.
type PersistStatus struct {
	Status string
	Args   json.RawMessage
}

// StartChild запускает дочерний экземпляр
type StartChild struct {
	Name       string
	Definition string
	ID         string
	Input      json.RawMessage
}

// SignalChild пересылает сигнал живому дочернему экземпляру
type SignalChild struct {
	Child   string
	Signal  string
	Payload json.RawMessage
}

// StartTimer взводит таймер с абсолютным сроком
type StartTimer struct {
	Name     string
	Deadline time.Time
}

// CancelTimer снимает таймер
type CancelTimer struct {
	Name string
}

// NotifyParent промежуточный отчет родителю (child.reported)
type NotifyParent struct {
	Name    string
	Payload json.RawMessage
}

// Complete завершает экземпляр с результатом
type Complete struct {
	Result json.RawMessage
}

func (RunActivity) isEffect()   {}
func (PersistStatus) isEffect() {}
func (StartChild) isEffect()    {}
func (SignalChild) isEffect()   {}
func (StartTimer) isEffect()    {}
func (CancelTimer) isEffect()   {}
func (NotifyParent) isEffect()  {}
func (Complete) isEffect()      {}

// MustJSON сериализует значение для полей эффектов.
// Паникует только на несериализуемых типах, то есть на ошибке программиста.
func MustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
