package stream

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultReapInterval = time.Hour

// RunReaper calls CleanupOldStreams every interval until ctx is done. It
// returns nil on cancellation so it can run under an errgroup.
func (r *Registry) RunReaper(ctx context.Context, interval, maxAge time.Duration) error {
	if interval <= 0 {
		interval = defaultReapInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := r.CleanupOldStreams(maxAge)
			if len(removed) == 0 {
				continue
			}
			if r.onReclaim != nil {
				r.onReclaim(removed)
			}
			r.logger.WithFields(logrus.Fields{
				"action":  "stream_reap",
				"removed": removed,
				"max_age": maxAge.String(),
				"active":  r.Count(),
			}).Info("idle streams reclaimed")
		}
	}
}
