package endpoints

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flashbots/bundle-submitter/config"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/flashbots/bundle-submitter/metrics"
	"go.uber.org/zap"
)

var errImplausibleBlock = errors.New("endpoint returned block 0")

// HealthSweep checks every endpoint concurrently and updates its health.
// An endpoint is healthy if it answers eth_blockNumber with a non-zero block within MaxCheckLatency.
// It returns the number of healthy endpoints, or ErrNoHealthyEndpoints if there are none.
func (p *Pool) HealthSweep(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	for _, ep := range p.endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			p.checkHealth(ctx, ep)
		}(ep)
	}
	wg.Wait()

	healthy := 0
	for _, ep := range p.endpoints {
		if ep.Healthy() {
			healthy++
		}
	}
	p.bus.Publish(events.HealthCheckCompleted{Healthy: healthy, Total: len(p.endpoints)})

	if healthy == 0 {
		metrics.IncHealthSweepNoneHealthy()
		p.log.Error("Health sweep found no healthy endpoint", zap.Int("total", len(p.endpoints)))
		return 0, ErrNoHealthyEndpoints
	}
	p.rebalance()
	return healthy, nil
}

func (p *Pool) checkHealth(ctx context.Context, ep *Endpoint) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HealthTimeout)
	defer cancel()

	log := p.log.With(zap.String("endpoint", ep.ID))

	client := ep.Client()
	if client == nil {
		var err error
		client, err = p.dial(ctx, ep.URL)
		if err != nil {
			ep.recordHealthCheck(false, 0, 0, false)
			log.Debug("Endpoint still unreachable", zap.Error(err))
			return
		}
		ep.setClient(client)
	}

	start := time.Now()
	block, err := client.BlockNumber(ctx)
	latency := time.Since(start)
	if err == nil && block == 0 {
		err = errImplausibleBlock
	}
	ok := err == nil && (p.cfg.MaxCheckLatency <= 0 || latency <= p.cfg.MaxCheckLatency)

	was := ep.recordHealthCheck(ok, latency, block, err == nil)
	switch {
	case ok && !was:
		log.Info("Endpoint is healthy again", zap.Uint64("block", block), zap.Duration("latency", latency))
	case !ok && was:
		log.Warn("Endpoint failed health check", zap.Duration("latency", latency), zap.Error(err))
	}
}

// rebalance moves off an unhealthy active endpoint and, under the priority policy,
// back to a better-priority endpoint that recovered.
func (p *Pool) rebalance() {
	p.selectMu.Lock()
	defer p.selectMu.Unlock()

	cur := p.active.Load()
	next := p.pick()
	if next == nil || next == cur {
		return
	}
	if cur != nil && cur.Healthy() && !p.preferOnSweep(next, cur) {
		return
	}
	p.switchTo(cur, next, "health sweep")
}

func (p *Pool) preferOnSweep(a, b *Endpoint) bool {
	if p.cfg.Policy == config.PolicyLoadBalanced {
		// rotates per call
		return false
	}
	return a.Priority < b.Priority
}

// StartHealthLoop runs HealthSweep every HealthInterval until ctx is done.
func (p *Pool) StartHealthLoop(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.HealthSweep(ctx); err != nil && ctx.Err() == nil {
					p.log.Warn("Health sweep failed", zap.Error(err))
				}
			}
		}
	}()
	return &wg
}
