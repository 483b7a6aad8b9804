package activity

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errHeartbeatMissed = errors.New("heartbeat missed")

type heartbeatKey struct{}

type heartbeat struct {
	mu       sync.Mutex
	interval time.Duration
	details  any
	beats    chan struct{}
}

// RecordHeartbeat сообщает, что длительная activity жива.
// Вне LongRunning-попытки ничего не делает.
func RecordHeartbeat(ctx context.Context, details any) {
	hb, ok := ctx.Value(heartbeatKey{}).(*heartbeat)
	if !ok {
		return
	}
	hb.mu.Lock()
	hb.details = details
	hb.mu.Unlock()

	select {
	case hb.beats <- struct{}{}:
	default:
	}
}

// HeartbeatInterval интервал, с которым activity должна вызывать RecordHeartbeat; 0 если не нужно
func HeartbeatInterval(ctx context.Context) time.Duration {
	if hb, ok := ctx.Value(heartbeatKey{}).(*heartbeat); ok {
		return hb.interval
	}
	return 0
}

// watch прерывает попытку, если heartbeat не приходил дольше timeout
func (hb *heartbeat) watch(ctx context.Context, timeout time.Duration, cancel context.CancelCauseFunc) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.beats:
			timer.Reset(timeout)
		case <-timer.C:
			cancel(errHeartbeatMissed)
			return
		}
	}
}

func withHeartbeat(ctx context.Context, interval time.Duration) (context.Context, *heartbeat) {
	hb := &heartbeat{interval: interval, beats: make(chan struct{}, 1)}
	return context.WithValue(ctx, heartbeatKey{}, hb), hb
}
