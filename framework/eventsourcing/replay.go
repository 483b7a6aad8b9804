package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OpenStreams возвращает потоки, у которых есть событие startType, но нет endType.
// Используется для поиска незавершенных процессов при рестарте.
func OpenStreams(ctx context.Context, store EventStore, startType, endType string) ([]string, error) {
	started, err := store.GetEventsByType(ctx, startType, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s events: %w", startType, err)
	}
	ended, err := store.GetEventsByType(ctx, endType, time.Time{})
	if err != nil && !errors.Is(err, ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to list %s events: %w", endType, err)
	}

	closed := make(map[string]struct{}, len(ended))
	for _, e := range ended {
		closed[e.AggregateID] = struct{}{}
	}

	var open []string
	seen := make(map[string]struct{}, len(started))
	for _, e := range started {
		if _, done := closed[e.AggregateID]; done {
			continue
		}
		if _, dup := seen[e.AggregateID]; dup {
			continue
		}
		seen[e.AggregateID] = struct{}{}
		open = append(open, e.AggregateID)
	}
	return open, nil
}
