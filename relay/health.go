package relay

import (
	"context"
	"sync"
	"time"

	"github.com/flashbots/bundle-submitter/metrics"
	"go.uber.org/zap"
)

// CheckHealth pings the relay with an authenticated stats call.
func (s *Submitter) CheckHealth(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()

	_, err := s.client.GetUserStats(ctx, s.lastHead.Load())
	healthy := err == nil
	was := s.healthy.Swap(healthy)
	switch {
	case !healthy:
		metrics.IncRelayHealthCheckFailed()
		if was {
			s.log.Warn("Relay became unhealthy", zap.Error(err))
		}
	case !was:
		s.log.Info("Relay is healthy")
	}
	return healthy, err
}

func (s *Submitter) IsHealthy() bool {
	return s.healthy.Load()
}

// Start runs the relay health check and the pending/history maintenance until ctx is done.
func (s *Submitter) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		health := time.NewTicker(s.cfg.HealthInterval)
		defer health.Stop()
		maintenance := time.NewTicker(s.cfg.ResolveTimeout)
		defer maintenance.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-health.C:
				_, _ = s.CheckHealth(ctx)
			case now := <-maintenance.C:
				s.sweep(now)
			}
		}
	}()
	return &wg
}
