package scheduler

import (
	"context"
	"time"

	"github.com/bassista/notion_cache/internal/logger"
	"github.com/bassista/notion_cache/internal/repository"
)

// Refresher is the part of snapshot.Refresher the scheduler needs.
type Refresher interface {
	Refresh(ctx context.Context) (repository.Snapshot, error)
}

// RefreshScheduler refreshes the cache on a fixed interval so the frontend's
// cached load stays reasonably fresh without anyone pressing refresh.
type RefreshScheduler struct {
	refresher Refresher
	interval  time.Duration
	timeout   time.Duration
}

// NewRefreshScheduler returns a scheduler ticking every interval. Each run is
// bounded by timeout when positive.
func NewRefreshScheduler(r Refresher, interval, timeout time.Duration) *RefreshScheduler {
	return &RefreshScheduler{refresher: r, interval: interval, timeout: timeout}
}

// Start runs the ticker loop in a goroutine until ctx is cancelled. The
// returned channel is closed once the loop has exited.
func (s *RefreshScheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	logger.WithComponent("sched").Debugf("starting refresh scheduler with interval: %v", s.interval)
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.WithComponent("sched").Info("refresh scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	return done
}

func (s *RefreshScheduler) tick(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	snap, err := s.refresher.Refresh(ctx)
	if err != nil {
		// the previous cache stays in place; the next tick tries again
		logger.WithComponent("sched").Errorf("scheduled refresh failed: %v", err)
		return
	}
	logger.WithComponent("sched").Infof("scheduled refresh cached %d records in %v", snap.Len(), time.Since(started).Round(time.Millisecond))
}
