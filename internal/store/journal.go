package store

import (
	"context"
	"time"

	"github.com/ashureev/dump-viewer/internal/domain"
)

// Journal persists supervisor and session lifecycle events.
// It never stores dump records.
type Journal interface {
	// Append writes one event. CreatedAt defaults to now.
	Append(ctx context.Context, ev domain.LifecycleEvent) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]domain.LifecycleEvent, error)

	// Prune deletes events older than the retention window.
	Prune(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// NopJournal discards everything. Used when journaling is disabled.
type NopJournal struct{}

func (NopJournal) Append(context.Context, domain.LifecycleEvent) error { return nil }

func (NopJournal) Recent(context.Context, int) ([]domain.LifecycleEvent, error) {
	return []domain.LifecycleEvent{}, nil
}

func (NopJournal) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }

func (NopJournal) Ping(context.Context) error { return nil }

func (NopJournal) Close() error { return nil }
