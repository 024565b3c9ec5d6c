package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tablegate/internal/pkg/dom"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/models"
	"tablegate/internal/pkg/queue"
	"tablegate/internal/pkg/taskcache"
)

// Lister enumerates the documents currently known.
type Lister interface {
	Refs() []dom.Ref
}

// Sweeper expires old cache records and re-queues every known document, so
// tables missed by a dropped notification are picked up eventually.
type Sweeper struct {
	cache    *taskcache.Cache
	lister   Lister
	queue    *queue.Queue
	maxAge   time.Duration
	interval time.Duration
}

func NewSweeper(cache *taskcache.Cache, lister Lister, q *queue.Queue, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{
		cache:    cache,
		lister:   lister,
		queue:    q,
		maxAge:   maxAge,
		interval: interval,
	}
}

// Run sweeps once immediately, then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.Tick(ctx)
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a single sweep and rescan.
func (s *Sweeper) Tick(ctx context.Context) {
	if _, err := s.cache.SweepExpired(ctx, s.maxAge); err != nil {
		logger.Log.Warn("Sweep failed", zap.Error(err))
	}

	queued := 0
	for _, ref := range s.lister.Refs() {
		added, err := s.queue.Insert(models.NewNotification(ref.Scope, ref.DocumentID))
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
			logger.Log.Warn("Rescan stopped early", zap.Int("queued", queued), zap.Error(err))
			return
		}
		if added {
			queued++
		}
	}
	logger.Log.Debug("Rescan queued documents", zap.Int("queued", queued))
}
