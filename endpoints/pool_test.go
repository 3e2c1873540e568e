package endpoints

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-submitter/config"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errConnRefused = errors.New("dial tcp: connection refused")

type fakeClient struct {
	mu      sync.Mutex
	err     error
	block   uint64
	delay   time.Duration
	baseFee *big.Int
	calls   int
}

func newFakeClient(block uint64) *fakeClient {
	return &fakeClient{block: block, baseFee: big.NewInt(1_000_000_000)}
}

func (c *fakeClient) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) do() error {
	c.mu.Lock()
	c.calls++
	err, delay := c.err, c.delay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (c *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), c.do()
}

func (c *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.do(); err != nil {
		return 0, err
	}
	return c.block, nil
}

func (c *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.do(); err != nil {
		return nil, err
	}
	return &types.Header{Number: new(big.Int).SetUint64(c.block), BaseFee: c.baseFee}, nil
}

func (c *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, c.do()
}

func (c *fakeClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, c.do()
}

func (c *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, c.do()
}

func (c *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do()
}

func (c *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.do(); err != nil {
		return nil, err
	}
	return nil, ethereum.NotFound
}

func (c *fakeClient) Close() {}

func fakeDialer(clients map[string]*fakeClient) Dialer {
	return func(ctx context.Context, url string) (Client, error) {
		c, ok := clients[url]
		if !ok {
			return nil, errConnRefused
		}
		return c, nil
	}
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		Policy:            config.PolicyPriority,
		FailoverThreshold: 3,
		MaxRetries:        3,
		RetryDelay:        time.Millisecond,
		HealthInterval:    time.Hour,
		HealthTimeout:     time.Second,
		MaxCheckLatency:   time.Second,
	}
}

var testEndpoints = []config.Endpoint{
	{ID: "a", URL: "a", Region: "us-east", Priority: 1},
	{ID: "b", URL: "b", Region: "eu-west", Priority: 2},
	{ID: "c", URL: "c", Region: "ap-south", Priority: 3},
}

func newTestPool(t *testing.T, cfg config.PoolConfig, clients map[string]*fakeClient) (*Pool, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	ch, unsubscribe := bus.Subscribe(64)
	t.Cleanup(unsubscribe)

	pool := NewPool(zap.NewNop(), cfg, bus, fakeDialer(clients))
	require.NoError(t, pool.Initialize(context.Background(), testEndpoints))
	return pool, ch
}

func drain(ch <-chan events.Event) []events.Event {
	var res []events.Event
	for {
		select {
		case ev := <-ch:
			res = append(res, ev)
		default:
			return res
		}
	}
}

func healthyClients() map[string]*fakeClient {
	return map[string]*fakeClient{
		"a": newFakeClient(100),
		"b": newFakeClient(100),
		"c": newFakeClient(100),
	}
}

func TestInitialize(t *testing.T) {
	pool := NewPool(zap.NewNop(), testPoolConfig(), nil, fakeDialer(nil))
	require.ErrorIs(t, pool.Initialize(context.Background(), nil), ErrNoEndpoints)

	clients := map[string]*fakeClient{"b": newFakeClient(100), "c": newFakeClient(100)}
	pool, ch := newTestPool(t, testPoolConfig(), clients)

	active, ok := pool.Active()
	require.True(t, ok)
	require.Equal(t, "b", active, "unreachable endpoint a is skipped")
	require.Equal(t, []events.Event{events.ProviderChanged{EndpointID: "b", Region: "eu-west"}}, drain(ch))

	status := pool.Status()
	require.Len(t, status, 3)
	require.False(t, status[0].IsHealthy)
	require.True(t, status[1].Active)
}

func TestExecuteFailsOverAfterThreshold(t *testing.T) {
	clients := healthyClients()
	clients["a"].setErr(errConnRefused)

	cfg := testPoolConfig()
	cfg.MaxRetries = 5
	pool, ch := newTestPool(t, cfg, clients)
	drain(ch)

	block, err := pool.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), block)

	require.Equal(t, 3, clients["a"].callCount())
	require.Equal(t, 1, clients["b"].callCount())
	require.Equal(t, 0, clients["c"].callCount())

	active, _ := pool.Active()
	require.Equal(t, "b", active)
	require.Equal(t, []events.Event{events.ProviderChanged{EndpointID: "b", Region: "eu-west"}}, drain(ch))

	status := pool.Status()
	require.False(t, status[0].IsHealthy)
	require.Equal(t, 3, status[0].ConsecutiveFailures)

	stats := pool.Stats()
	require.Equal(t, uint64(4), stats.Requests)
	require.Equal(t, uint64(3), stats.Failures)
	require.Equal(t, uint64(1), stats.Failovers)

	// a stays excluded until a health sweep re-marks it
	_, err = pool.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, clients["a"].callCount())
}

func TestExecuteMaxRetries(t *testing.T) {
	clients := healthyClients()
	clients["a"].setErr(errConnRefused)

	cfg := testPoolConfig()
	cfg.FailoverThreshold = 10
	pool, _ := newTestPool(t, cfg, clients)

	_, err := pool.BlockNumber(context.Background())
	require.ErrorIs(t, err, ErrMaxRetriesReached)
	require.ErrorIs(t, err, errConnRefused)
	require.Equal(t, 3, clients["a"].callCount())

	active, _ := pool.Active()
	require.Equal(t, "a", active, "threshold not crossed")
}

func TestExecuteExhaustedEndpoints(t *testing.T) {
	clients := healthyClients()
	for _, c := range clients {
		c.setErr(errConnRefused)
	}

	cfg := testPoolConfig()
	cfg.FailoverThreshold = 1
	cfg.MaxRetries = 10
	pool, _ := newTestPool(t, cfg, clients)

	_, err := pool.BlockNumber(context.Background())
	require.ErrorIs(t, err, ErrExhaustedEndpoints)
	for id, c := range clients {
		require.Equal(t, 1, c.callCount(), id)
	}

	// nothing healthy left, the operation is not attempted
	_, err = pool.BlockNumber(context.Background())
	require.ErrorIs(t, err, ErrExhaustedEndpoints)
	for id, c := range clients {
		require.Equal(t, 1, c.callCount(), id)
	}
}

func TestExecuteApplicationErrorsAreNotRetried(t *testing.T) {
	clients := healthyClients()
	clients["a"].setErr(errors.New("nonce too low"))
	pool, _ := newTestPool(t, testPoolConfig(), clients)

	err := pool.SendTransaction(context.Background(), types.NewTx(&types.DynamicFeeTx{}))
	require.EqualError(t, err, "nonce too low")
	require.NotErrorIs(t, err, ErrMaxRetriesReached)
	require.Equal(t, 1, clients["a"].callCount())
	require.Equal(t, 0, pool.Status()[0].ConsecutiveFailures)
}

func TestExecuteCancelled(t *testing.T) {
	clients := healthyClients()
	pool, _ := newTestPool(t, testPoolConfig(), clients)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Execute(ctx, func(ctx context.Context, c Client) error {
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, pool.Status()[0].IsHealthy)
}

// Load-balanced selection counts lifetime requests, so an endpoint that comes back
// after an outage takes all traffic until it catches up.
func TestLoadBalancedUsesLifetimeCounts(t *testing.T) {
	clients := healthyClients()
	cfg := testPoolConfig()
	cfg.Policy = config.PolicyLoadBalanced
	pool, _ := newTestPool(t, cfg, clients)

	for i := 0; i < 6; i++ {
		_, err := pool.BlockNumber(context.Background())
		require.NoError(t, err)
	}
	for id, c := range clients {
		require.Equal(t, 2, c.callCount(), id)
	}

	b := pool.endpoints[1]
	b.setHealthy(false)
	for i := 0; i < 4; i++ {
		_, err := pool.BlockNumber(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 4, clients["a"].callCount())
	require.Equal(t, 2, clients["b"].callCount())
	require.Equal(t, 4, clients["c"].callCount())

	b.setHealthy(true)
	for i := 0; i < 2; i++ {
		_, err := pool.BlockNumber(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 4, clients["b"].callCount())
	require.Equal(t, 4, clients["a"].callCount())
	require.Equal(t, 4, clients["c"].callCount())
}

func TestHealthSweep(t *testing.T) {
	clients := healthyClients()
	pool, ch := newTestPool(t, testPoolConfig(), clients)
	drain(ch)

	clients["a"].setErr(errConnRefused)
	healthy, err := pool.HealthSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, healthy)

	active, _ := pool.Active()
	require.Equal(t, "b", active)
	require.ElementsMatch(t, []events.Event{
		events.HealthCheckCompleted{Healthy: 2, Total: 3},
		events.ProviderChanged{EndpointID: "b", Region: "eu-west"},
	}, drain(ch))

	// a recovers and wins again by priority
	clients["a"].setErr(nil)
	healthy, err = pool.HealthSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, healthy)
	active, _ = pool.Active()
	require.Equal(t, "a", active)
	require.Equal(t, uint64(100), pool.Status()[0].LastBlock)
}

func TestHealthSweepRules(t *testing.T) {
	tests := map[string]struct {
		setup   func(c *fakeClient)
		healthy bool
	}{
		"responsive": {
			setup:   func(c *fakeClient) {},
			healthy: true,
		},
		"error": {
			setup:   func(c *fakeClient) { c.setErr(errConnRefused) },
			healthy: false,
		},
		"zero block": {
			setup:   func(c *fakeClient) { c.block = 0 },
			healthy: false,
		},
		"too slow": {
			setup:   func(c *fakeClient) { c.delay = 50 * time.Millisecond },
			healthy: false,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			clients := healthyClients()
			tt.setup(clients["c"])

			cfg := testPoolConfig()
			cfg.MaxCheckLatency = 20 * time.Millisecond
			pool, _ := newTestPool(t, cfg, clients)

			_, err := pool.HealthSweep(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.healthy, pool.Status()[2].IsHealthy)
		})
	}
}

func TestHealthSweepNoneHealthy(t *testing.T) {
	clients := healthyClients()
	pool, ch := newTestPool(t, testPoolConfig(), clients)
	drain(ch)

	for _, c := range clients {
		c.setErr(errConnRefused)
	}
	healthy, err := pool.HealthSweep(context.Background())
	require.ErrorIs(t, err, ErrNoHealthyEndpoints)
	require.Equal(t, 0, healthy)
	require.Equal(t, []events.Event{events.HealthCheckCompleted{Healthy: 0, Total: 3}}, drain(ch))

	_, err = pool.BlockNumber(context.Background())
	require.ErrorIs(t, err, ErrExhaustedEndpoints)
}

func TestHealthSweepRedials(t *testing.T) {
	clients := map[string]*fakeClient{"b": newFakeClient(100)}
	pool := NewPool(zap.NewNop(), testPoolConfig(), nil, fakeDialer(clients))
	require.NoError(t, pool.Initialize(context.Background(), testEndpoints))

	clients["a"] = newFakeClient(100)
	_, err := pool.HealthSweep(context.Background())
	require.NoError(t, err)

	active, _ := pool.Active()
	require.Equal(t, "a", active)
}

type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

func TestIsTransient(t *testing.T) {
	tests := map[string]struct {
		err       error
		transient bool
	}{
		"transport":      {err: errConnRefused, transient: true},
		"timeout":        {err: context.DeadlineExceeded, transient: true},
		"canceled":       {err: context.Canceled, transient: false},
		"not found":      {err: ethereum.NotFound, transient: false},
		"nonce":          {err: errors.New("Nonce too low"), transient: false},
		"known":          {err: fmt.Errorf("send: %w", errors.New("already known")), transient: false},
		"underpriced":    {err: errors.New("replacement transaction underpriced"), transient: false},
		"internal error": {err: errors.New("internal error"), transient: true},
		"revert code":    {err: rpcError{code: 3, msg: "reverted: 0x"}, transient: false},
		"invalid params": {err: fmt.Errorf("call: %w", rpcError{code: -32602, msg: "bad params"}), transient: false},
		"server error":   {err: rpcError{code: -32000, msg: "header not found"}, transient: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestLinearBackOff(t *testing.T) {
	b := newLinearBackOff(10 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
	require.Equal(t, 20*time.Millisecond, b.NextBackOff())
	require.Equal(t, 30*time.Millisecond, b.NextBackOff())
	b.Reset()
	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
}
