// Package maintenance implements the periodic data sweeps: retention
// (age and size caps) and aging of never-delivered items.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/settings"
)

// DefaultBatchSize bounds the rows touched by one statement.
const DefaultBatchSize = 500

// Store is the persistence the sweeps need.
type Store interface {
	CountItems(ctx context.Context) (int, error)
	DeleteItemsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
	DeleteOldestItems(ctx context.Context, n int) (int, error)
	MarkDeliveredOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Sweeper runs the maintenance sweeps in bounded batches.
type Sweeper struct {
	store     Store
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

// NewSweeper returns a Sweeper. batchSize <= 0 uses DefaultBatchSize.
func NewSweeper(st Store, batchSize int, log *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{store: st, batchSize: batchSize, log: log.Named("maintenance"), now: time.Now}
}

// Retention deletes items older than MaxAgeDays, then trims the table to
// MaxStoreSize by deleting the oldest rows. A zero limit disables that half.
func (s *Sweeper) Retention(ctx context.Context, snap settings.Snapshot) (model.RunMetrics, error) {
	var metrics model.RunMetrics
	ret := snap.Retention

	if ret.MaxAgeDays > 0 {
		cutoff := s.now().UTC().AddDate(0, 0, -ret.MaxAgeDays)
		n, err := s.drain(ctx, func(ctx context.Context) (int, error) {
			return s.store.DeleteItemsOlderThan(ctx, cutoff, s.batchSize)
		})
		metrics.Swept += n
		if err != nil {
			return metrics, fmt.Errorf("age sweep: %w", err)
		}
		s.log.Info("age sweep complete", zap.Int("deleted", n), zap.Time("cutoff", cutoff))
	}

	if ret.MaxStoreSize > 0 {
		count, err := s.store.CountItems(ctx)
		if err != nil {
			return metrics, fmt.Errorf("count items: %w", err)
		}
		excess := count - ret.MaxStoreSize
		deleted := 0
		for excess > 0 {
			if err := ctx.Err(); err != nil {
				return metrics, err
			}
			n, err := s.store.DeleteOldestItems(ctx, min(excess, s.batchSize))
			deleted += n
			metrics.Swept += n
			if err != nil {
				return metrics, fmt.Errorf("size sweep: %w", err)
			}
			if n == 0 {
				break
			}
			excess -= n
		}
		if deleted > 0 {
			s.log.Info("size sweep complete", zap.Int("deleted", deleted), zap.Int("max_size", ret.MaxStoreSize))
		}
	}
	return metrics, nil
}

// Aging marks undelivered items older than NotifyAgeHours as delivered so
// they are never announced late.
func (s *Sweeper) Aging(ctx context.Context, snap settings.Snapshot) (model.RunMetrics, error) {
	var metrics model.RunMetrics
	hours := snap.Retention.NotifyAgeHours
	if hours <= 0 {
		return metrics, nil
	}
	cutoff := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
	n, err := s.drain(ctx, func(ctx context.Context) (int, error) {
		return s.store.MarkDeliveredOlderThan(ctx, cutoff, s.batchSize)
	})
	metrics.Swept = n
	if err != nil {
		return metrics, fmt.Errorf("aging sweep: %w", err)
	}
	if n > 0 {
		s.log.Info("stale items marked delivered", zap.Int("marked", n), zap.Time("cutoff", cutoff))
	}
	return metrics, nil
}

// drain repeats batch until it touches fewer rows than a full batch.
func (s *Sweeper) drain(ctx context.Context, batch func(context.Context) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := batch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batchSize {
			return total, nil
		}
	}
}
