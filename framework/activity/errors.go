// Package activity предоставляет систему ошибок activity и их классификацию.
package activity

import (
	"context"
	"errors"

	"github.com/akriventsev/furnel/framework/core"
)

// Коды ошибок activity
const (
	ErrRetryable           = "ACTIVITY_RETRYABLE"
	ErrNonRetryable        = "ACTIVITY_NON_RETRYABLE"
	ErrTimeout             = "ACTIVITY_TIMEOUT"
	ErrCompensationFailure = "COMPENSATION_FAILURE"
	ErrProviderRejected    = "PROVIDER_REJECTED"
	ErrUnknownActivity     = "UNKNOWN_ACTIVITY"
)

// Kind класс ошибки activity
type Kind string

const (
	KindRetryable           Kind = "Retryable"
	KindNonRetryable        Kind = "NonRetryable"
	KindTimeout             Kind = "Timeout"
	KindCompensationFailure Kind = "CompensationFailure"
)

// NewRetryableError временный сбой внешней системы
func NewRetryableError(message string, cause error) *core.FrameworkError {
	if cause == nil {
		return core.NewError(ErrRetryable, message)
	}
	return core.Wrap(cause, ErrRetryable, message)
}

// NewNonRetryableError постоянная ошибка: повтор не поможет
func NewNonRetryableError(message string, cause error) *core.FrameworkError {
	if cause == nil {
		return core.NewError(ErrNonRetryable, message)
	}
	return core.Wrap(cause, ErrNonRetryable, message)
}

// NewProviderRejectedError бизнес-отказ провайдера
func NewProviderRejectedError(message string) *core.FrameworkError {
	return core.NewError(ErrProviderRejected, message)
}

// NewTimeoutError activity превысила бюджет времени
func NewTimeoutError(message string, cause error) *core.FrameworkError {
	if cause == nil {
		return core.NewError(ErrTimeout, message)
	}
	return core.Wrap(cause, ErrTimeout, message)
}

// NewCompensationFailureError сбой компенсирующего действия
func NewCompensationFailureError(message string, cause error) *core.FrameworkError {
	if cause == nil {
		return core.NewError(ErrCompensationFailure, message)
	}
	return core.Wrap(cause, ErrCompensationFailure, message)
}

// Classify определяет класс ошибки по самому внешнему коду в цепочке.
// Ошибки без кода считаются временными.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	switch core.CodeOf(err) {
	case ErrNonRetryable, ErrProviderRejected, ErrUnknownActivity, core.ErrInvalidInput:
		return KindNonRetryable
	case ErrTimeout:
		return KindTimeout
	case ErrCompensationFailure:
		return KindCompensationFailure
	case ErrRetryable:
		return KindRetryable
	}
	if errors.Is(err, context.Canceled) {
		return KindNonRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindRetryable
}

// IsRetryable можно ли повторить попытку
func IsRetryable(err error) bool {
	kind := Classify(err)
	return kind == KindRetryable || kind == KindTimeout
}
