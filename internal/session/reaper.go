package session

import (
	"context"
	"time"

	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/scheduler"
)

// DefaultReapInterval is how often expired sessions are swept.
const DefaultReapInterval = 5 * time.Minute

// NewReaper returns a stopped periodic worker that sweeps expired sessions
// from store every interval.
func NewReaper(store *Store, interval time.Duration) *scheduler.Periodic {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return scheduler.NewPeriodic("session-reaper", interval, func(ctx context.Context) error {
		n, err := store.ReapExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.L.Info("reaped expired sessions", "count", n)
		}
		return nil
	})
}
