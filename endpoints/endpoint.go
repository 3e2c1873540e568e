package endpoints

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/bundle-submitter/config"
)

// Client is the subset of the eth JSON-RPC API the pool routes through an endpoint.
// *ethclient.Client implements it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Dialer opens a connection to an endpoint url.
type Dialer func(ctx context.Context, url string) (Client, error)

func DialEthClient(ctx context.Context, url string) (Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type Health struct {
	IsHealthy           bool          `json:"isHealthy"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	AvgResponseTime     time.Duration `json:"avgResponseTime"`
	LastCheck           time.Time     `json:"lastCheck"`
	LastBlock           uint64        `json:"lastBlock"`
}

// Status is a point-in-time view of one endpoint.
type Status struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Region       string `json:"region"`
	Priority     int    `json:"priority"`
	Active       bool   `json:"active"`
	RequestCount uint64 `json:"requestCount"`
	Health
}

// Endpoint is created once from static config and never removed; only its health changes.
type Endpoint struct {
	ID       string
	URL      string
	Region   string
	Priority int

	requestCount atomic.Uint64

	mu      sync.RWMutex
	client  Client
	health  Health
	samples uint64
}

func newEndpoint(cfg config.Endpoint) *Endpoint {
	return &Endpoint{
		ID:       cfg.ID,
		URL:      cfg.URL,
		Region:   cfg.Region,
		Priority: cfg.Priority,
	}
}

func (e *Endpoint) Client() Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

func (e *Endpoint) setClient(client Client) {
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
}

// Healthy reports whether the endpoint can be selected.
func (e *Endpoint) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health.IsHealthy && e.client != nil
}

func (e *Endpoint) RequestCount() uint64 {
	return e.requestCount.Load()
}

func (e *Endpoint) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

func (e *Endpoint) setHealthy(healthy bool) {
	e.mu.Lock()
	e.health.IsHealthy = healthy
	e.health.LastCheck = time.Now()
	e.mu.Unlock()
}

// must be called with e.mu held
func (e *Endpoint) recordLatencyLocked(d time.Duration) {
	e.samples++
	e.health.AvgResponseTime += (d - e.health.AvgResponseTime) / time.Duration(e.samples)
}

func (e *Endpoint) recordSuccess(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.ConsecutiveFailures = 0
	e.recordLatencyLocked(d)
}

// recordFailure returns true if this failure crossed the threshold and made the endpoint unhealthy.
func (e *Endpoint) recordFailure(threshold int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.ConsecutiveFailures++
	if e.health.IsHealthy && e.health.ConsecutiveFailures >= threshold {
		e.health.IsHealthy = false
		e.health.LastCheck = time.Now()
		return true
	}
	return false
}

// recordHealthCheck stores a health check result and returns the previous healthy flag.
func (e *Endpoint) recordHealthCheck(ok bool, latency time.Duration, block uint64, responded bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	was := e.health.IsHealthy
	e.health.LastCheck = time.Now()
	if responded {
		e.recordLatencyLocked(latency)
		e.health.LastBlock = block
	}
	if ok {
		e.health.IsHealthy = true
		e.health.ConsecutiveFailures = 0
	} else {
		e.health.IsHealthy = false
		e.health.ConsecutiveFailures++
	}
	return was
}

func (e *Endpoint) status(active bool) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		ID:           e.ID,
		URL:          e.URL,
		Region:       e.Region,
		Priority:     e.Priority,
		Active:       active,
		RequestCount: e.requestCount.Load(),
		Health:       e.health,
	}
}

func (e *Endpoint) latencySamples() (time.Duration, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health.AvgResponseTime, e.samples
}
