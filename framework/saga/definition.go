package saga

import (
	"encoding/json"
	"fmt"
)

// Definition описание типа саги: начальное состояние и чистый редьюсер.
// Reduce не должен обращаться к часам и выполнять ввод-вывод:
// время берется из Event.OccurredAt, внешние действия возвращаются эффектами.
type Definition interface {
	Name() string
	Init(id string, input json.RawMessage) (any, error)
	Reduce(state any, event Event) (any, []Effect)
}

type typedDefinition[S any] struct {
	name   string
	init   func(id string, input json.RawMessage) (S, error)
	reduce func(S, Event) (S, []Effect)
}

// NewDefinition строит Definition из типизированных функций
func NewDefinition[S any](name string, init func(id string, input json.RawMessage) (S, error), reduce func(S, Event) (S, []Effect)) Definition {
	return &typedDefinition[S]{name: name, init: init, reduce: reduce}
}

func (d *typedDefinition[S]) Name() string {
	return d.name
}

func (d *typedDefinition[S]) Init(id string, input json.RawMessage) (any, error) {
	return d.init(id, input)
}

func (d *typedDefinition[S]) Reduce(state any, event Event) (any, []Effect) {
	s, ok := state.(S)
	if !ok {
		panic(fmt.Sprintf("saga %s: unexpected state type %T", d.name, state))
	}
	return d.reduce(s, event)
}

// StateOf извлекает типизированное состояние из снимка
func StateOf[S any](snapshot Snapshot) (S, bool) {
	s, ok := snapshot.State.(S)
	return s, ok
}
