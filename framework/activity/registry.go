package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/akriventsev/furnel/framework/core"
)

// Func activity с аргументами и результатом в JSON.
// JSON нужен для записи результата в журнал событий.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Typed оборачивает типизированную функцию в Func
func Typed[A, R any](fn func(ctx context.Context, args A) (R, error)) Func {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, core.Wrap(err, core.ErrInvalidInput, "decode activity args")
			}
		}
		result, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return nil, core.Wrap(err, ErrNonRetryable, "encode activity result")
		}
		return out, nil
	}
}

// Registry реестр activity по имени
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register регистрирует activity
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return core.NewError(core.ErrAlreadyExists, fmt.Sprintf("activity %s already registered", name))
	}
	r.funcs[name] = fn
	return nil
}

// Lookup возвращает activity по имени
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
