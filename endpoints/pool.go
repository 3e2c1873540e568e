// Package endpoints presents one logical blockchain connection backed by several RPC endpoints.
//
// The pool keeps exactly one active endpoint. Every outbound call goes through Execute, which
// runs the operation against the active endpoint and, on transient failures, counts them against
// that endpoint, fails over to the next healthy endpoint once the failover threshold is crossed and
// retries with a linear backoff up to a fixed number of attempts.
//
// A background health sweep checks all endpoints concurrently, independent of call traffic, and
// switches the active endpoint outside of any in-flight call when it becomes unhealthy.
// Switching is a single atomic replace: calls already running against the previous endpoint
// complete or fail on their own.
package endpoints

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/bundle-submitter/config"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/flashbots/bundle-submitter/metrics"
	"go.uber.org/zap"
)

var (
	ErrNoEndpoints        = errors.New("no endpoints configured")
	ErrExhaustedEndpoints = errors.New("no healthy endpoint available")
	ErrMaxRetriesReached  = errors.New("max retries reached")
	ErrNoHealthyEndpoints = errors.New("health sweep found no healthy endpoint")
)

// Operation is a single call against an endpoint connection.
type Operation func(ctx context.Context, client Client) error

type Pool struct {
	log  *zap.Logger
	cfg  config.PoolConfig
	bus  *events.Bus
	dial Dialer

	endpoints []*Endpoint
	active    atomic.Pointer[Endpoint]
	// serializes selection decisions, never held during network calls
	selectMu sync.Mutex

	requests  atomic.Uint64
	failures  atomic.Uint64
	failovers atomic.Uint64
}

type Stats struct {
	Requests        uint64        `json:"requests"`
	Failures        uint64        `json:"failures"`
	Failovers       uint64        `json:"failovers"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

func NewPool(log *zap.Logger, cfg config.PoolConfig, bus *events.Bus, dial Dialer) *Pool {
	if dial == nil {
		dial = DialEthClient
	}
	if cfg.FailoverThreshold < 1 {
		cfg.FailoverThreshold = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Pool{
		log:  log.Named("pool"),
		cfg:  cfg,
		bus:  bus,
		dial: dial,
	}
}

// Initialize opens a connection per endpoint and selects the initial active endpoint.
// It fails only if no endpoints are configured; endpoints that cannot be dialed start unhealthy
// and are retried by the health sweep.
func (p *Pool) Initialize(ctx context.Context, endpoints []config.Endpoint) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}

	p.endpoints = make([]*Endpoint, 0, len(endpoints))
	for _, cfg := range endpoints {
		ep := newEndpoint(cfg)
		client, err := p.dial(ctx, ep.URL)
		if err != nil {
			p.log.Warn("Failed to connect to endpoint", zap.String("endpoint", ep.ID), zap.Error(err))
		} else {
			ep.setClient(client)
			ep.setHealthy(true)
		}
		p.endpoints = append(p.endpoints, ep)
	}

	p.selectMu.Lock()
	defer p.selectMu.Unlock()
	next := p.pick()
	if next == nil {
		p.log.Error("No endpoint could be connected at startup")
		return nil
	}
	p.switchTo(nil, next, "initial selection")
	return nil
}

// Execute runs op against the active endpoint with failover and bounded retries.
//
// Transient errors (transport failures, timeouts, RPC faults) are counted against the endpoint that
// produced them and retried, waiting RetryDelay*attempt between attempts. Application errors such as
// "nonce too low" are returned as is. When no healthy endpoint is left ErrExhaustedEndpoints is returned,
// when all attempts failed ErrMaxRetriesReached is returned joined with the last error.
func (p *Pool) Execute(ctx context.Context, op Operation) error {
	var (
		attempt   int
		lastErr   error
		permanent bool
	)

	retry := func() error {
		attempt++
		ep, err := p.current()
		if err != nil {
			permanent = true
			return backoff.Permanent(err)
		}

		err = p.call(ctx, ep, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	back := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(p.cfg.RetryDelay), uint64(p.cfg.MaxRetries-1)),
		ctx,
	)
	err := backoff.RetryNotify(retry, back, func(err error, next time.Duration) {
		p.log.Debug("Retrying endpoint operation", zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExhaustedEndpoints):
		metrics.IncExhaustedEndpoints()
		if lastErr != nil {
			return errors.Join(ErrExhaustedEndpoints, lastErr)
		}
		return ErrExhaustedEndpoints
	case permanent || ctx.Err() != nil:
		return err
	default:
		return errors.Join(ErrMaxRetriesReached, err)
	}
}

func (p *Pool) call(ctx context.Context, ep *Endpoint, op Operation) error {
	ep.requestCount.Add(1)
	p.requests.Add(1)
	metrics.IncEndpointRequest(ep.ID)

	start := time.Now()
	err := op(ctx, ep.Client())
	elapsed := time.Since(start)
	metrics.RecordEndpointLatency(ep.ID, elapsed.Milliseconds())

	if err == nil || (ctx.Err() == nil && !IsTransient(err)) {
		// the endpoint answered
		ep.recordSuccess(elapsed)
		return err
	}
	if ctx.Err() != nil {
		return err
	}

	p.failures.Add(1)
	metrics.IncEndpointFailure(ep.ID)
	if ep.recordFailure(p.cfg.FailoverThreshold) {
		p.log.Warn("Endpoint marked unhealthy",
			zap.String("endpoint", ep.ID), zap.Int("threshold", p.cfg.FailoverThreshold), zap.Error(err))
		p.failover(ep)
	}
	return err
}

// current returns the endpoint the next attempt should use.
func (p *Pool) current() (*Endpoint, error) {
	cur := p.active.Load()
	if p.cfg.Policy != config.PolicyLoadBalanced && cur != nil && cur.Healthy() {
		return cur, nil
	}

	p.selectMu.Lock()
	defer p.selectMu.Unlock()
	cur = p.active.Load()
	next := p.pick()
	if next == nil {
		return nil, ErrExhaustedEndpoints
	}
	if next == cur {
		return next, nil
	}
	if p.cfg.Policy == config.PolicyLoadBalanced && cur != nil && cur.Healthy() {
		// rotation between healthy endpoints, not a failover
		p.active.Store(next)
		return next, nil
	}
	p.switchTo(cur, next, "selection")
	return next, nil
}

func (p *Pool) failover(from *Endpoint) {
	p.selectMu.Lock()
	defer p.selectMu.Unlock()
	if p.active.Load() != from {
		// someone already moved on
		return
	}
	next := p.pick()
	if next == nil {
		p.log.Error("No healthy endpoint left to fail over to", zap.String("endpoint", from.ID))
		return
	}
	p.switchTo(from, next, "failover")
}

// pick returns the healthy endpoint preferred by the policy, or nil.
// must be called with selectMu held
func (p *Pool) pick() *Endpoint {
	var best *Endpoint
	for _, ep := range p.endpoints {
		if !ep.Healthy() {
			continue
		}
		if best == nil || p.prefer(ep, best) {
			best = ep
		}
	}
	return best
}

func (p *Pool) prefer(a, b *Endpoint) bool {
	if p.cfg.Policy == config.PolicyLoadBalanced {
		// lifetime counts, not a decaying window
		return a.RequestCount() < b.RequestCount()
	}
	return a.Priority < b.Priority
}

// must be called with selectMu held
func (p *Pool) switchTo(from, to *Endpoint, reason string) {
	if !p.active.CompareAndSwap(from, to) {
		return
	}
	if from != nil {
		p.failovers.Add(1)
		metrics.IncFailover()
	}
	fromID := ""
	if from != nil {
		fromID = from.ID
	}
	p.log.Info("Active endpoint changed",
		zap.String("from", fromID), zap.String("to", to.ID), zap.String("region", to.Region), zap.String("reason", reason))
	p.bus.Publish(events.ProviderChanged{EndpointID: to.ID, Region: to.Region})
}

// Active returns the id of the active endpoint.
func (p *Pool) Active() (string, bool) {
	ep := p.active.Load()
	if ep == nil {
		return "", false
	}
	return ep.ID, true
}

// Status returns the per-endpoint status table ordered by priority.
func (p *Pool) Status() []Status {
	active := p.active.Load()
	res := make([]Status, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		res = append(res, ep.status(ep == active))
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Priority < res[j].Priority
	})
	return res
}

func (p *Pool) Stats() Stats {
	var (
		weighted time.Duration
		samples  uint64
	)
	for _, ep := range p.endpoints {
		avg, n := ep.latencySamples()
		weighted += avg * time.Duration(n)
		samples += n
	}
	var avg time.Duration
	if samples > 0 {
		avg = weighted / time.Duration(samples)
	}
	return Stats{
		Requests:        p.requests.Load(),
		Failures:        p.failures.Load(),
		Failovers:       p.failovers.Load(),
		AvgResponseTime: avg,
	}
}

func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		if client := ep.Client(); client != nil {
			client.Close()
		}
	}
}
