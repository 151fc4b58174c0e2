package scheduler

import (
	"context"
	"time"
)

// Run drives ProcessDue on a fixed tick until the context ends. Multiple
// instances may run concurrently; the per-step claim keeps them from
// double-firing.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			n, err := s.ProcessDue(ctx)
			if err != nil {
				s.log.Error("due scan failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("due attempts processed", "count", n)
			}
		}
	}
}
