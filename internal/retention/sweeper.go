// Package retention prunes messages past the configured horizon. The sweep
// only narrows what ListRecent can return next; an in-flight read is a
// snapshot and never sees a partial purge.
package retention

import (
	"context"
	"time"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

// Sweeper periodically deletes messages older than the horizon.
type Sweeper struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	horizon  time.Duration
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSweeper creates a retention sweeper.
func NewSweeper(db *store.DB, b *bus.Bus, logger *zap.Logger, horizon, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		bus:      b,
		logger:   logger,
		horizon:  horizon,
		interval: interval,
	}
}

// Start begins the periodic sweep. One pass runs immediately so a restart
// does not wait a full interval to prune a stale backlog.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		s.sweep()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.horizon).UnixMilli()
	removed, err := s.db.PurgeOlderThan(cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("old messages purged", zap.Int64("removed", removed))
		s.bus.Emit(bus.KindMessagesPurged, bus.PurgeResult{Removed: removed})
	}
}
