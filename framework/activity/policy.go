package activity

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Class класс политики вызова
type Class string

const (
	// Fast короткие внешние вызовы без heartbeat
	Fast Class = "fast"
	// LongRunning опрашивающие ожидания с heartbeat
	LongRunning Class = "long_running"
)

// Policy политика таймаутов и повторов
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	StartToCloseTimeout time.Duration
	// HeartbeatInterval 0 отключает контроль heartbeat.
	// Попытка считается зависшей после 2 интервалов без heartbeat.
	HeartbeatInterval time.Duration
}

// FastPolicy возвращает политику для быстрых вызовов
func FastPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		StartToCloseTimeout: 5 * time.Minute,
	}
}

// LongRunningPolicy возвращает политику для длительных опросов
func LongRunningPolicy() Policy {
	return Policy{
		MaxAttempts:         10,
		InitialInterval:     5 * time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          2.0,
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatInterval:   time.Minute,
	}
}

// DefaultPolicies политики по умолчанию для обоих классов
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		Fast:        FastPolicy(),
		LongRunning: LongRunningPolicy(),
	}
}

// HeartbeatTimeout время без heartbeat, после которого попытка прерывается
func (p Policy) HeartbeatTimeout() time.Duration {
	return 2 * p.HeartbeatInterval
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	return b
}
