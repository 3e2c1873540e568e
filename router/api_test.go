package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/bundle-submitter/endpoints"
	"github.com/flashbots/bundle-submitter/jsonrpcserver"
	"github.com/flashbots/bundle-submitter/relay"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePool struct{}

func (fakePool) Active() (string, bool) { return "primary", true }

func (fakePool) Status() []endpoints.Status {
	return []endpoints.Status{
		{ID: "primary", URL: "http://primary", Priority: 1, Active: true, RequestCount: 3, Health: endpoints.Health{IsHealthy: true, LastBlock: 100}},
		{ID: "backup", URL: "http://backup", Priority: 2, Health: endpoints.Health{IsHealthy: false, ConsecutiveFailures: 3}},
	}
}

func (fakePool) Stats() endpoints.Stats {
	return endpoints.Stats{Requests: 3, Failures: 1, Failovers: 1, AvgResponseTime: 20 * time.Millisecond}
}

func call(t *testing.T, handler http.Handler, method string, params ...any) json.RawMessage {
	t.Helper()
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)

	request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request)
	require.Equal(t, http.StatusOK, rr.Code)

	var res jsonrpcserver.JSONRPCResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Nil(t, res.Error, "unexpected error response: %s", rr.Body.String())
	require.NotNil(t, res.Result)
	return *res.Result
}

func callError(t *testing.T, handler http.Handler, method string, params ...any) *jsonrpcserver.JSONRPCError {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)

	request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request)

	var res jsonrpcserver.JSONRPCResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.NotNil(t, res.Error)
	return res.Error
}

func newAPIHandler(t *testing.T, api *API) http.Handler {
	t.Helper()
	handler, err := jsonrpcserver.NewHandler(api.Methods(), jsonrpcserver.Opts{ErrorCodes: ErrorCodes})
	require.NoError(t, err)
	return handler
}

func TestAPIDeliverAndQuery(t *testing.T) {
	env := newTestEnv(t, testConfig(t), &fakeRelayClient{})
	handler := newAPIHandler(t, NewAPI(zap.NewNop(), env.router, fakePool{}, env.relay))

	var d Delivery
	require.NoError(t, json.Unmarshal(call(t, handler, DeliverEndpointName, opportunity(10)), &d))
	require.Equal(t, PathPublic, d.Path)
	require.Equal(t, uint64(startNonce), d.Nonce)
	require.Len(t, env.chain.sentTxs(), 1)
	require.Equal(t, env.chain.sentTxs()[0].Hash(), d.TxHash)

	var status EndpointStatusResponse
	require.NoError(t, json.Unmarshal(call(t, handler, EndpointStatusEndpointName), &status))
	require.Equal(t, "primary", status.Active)
	require.Len(t, status.Endpoints, 2)
	require.True(t, status.Endpoints[0].IsHealthy)
	require.Equal(t, 3, status.Endpoints[1].ConsecutiveFailures)
	require.Equal(t, uint64(1), status.Stats.Failovers)

	var health RelayHealthResponse
	require.NoError(t, json.Unmarshal(call(t, handler, RelayHealthEndpointName), &health))
	require.True(t, health.Enabled)
	require.True(t, health.Initialized)

	var metrics MetricsResponse
	require.NoError(t, json.Unmarshal(call(t, handler, MetricsEndpointName), &metrics))
	require.Equal(t, uint64(1), metrics.Router.Deliveries)
	require.Equal(t, uint64(1), metrics.Router.PublicDeliveries)
	require.Equal(t, uint64(3), metrics.Pool.Requests)
	require.NotNil(t, metrics.Relay)

	rpcErr := callError(t, handler, BundleEndpointName, common.HexToHash("0x01"))
	require.Equal(t, relay.ErrBundleNotFound.Error(), rpcErr.Message)
	require.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestAPIRelayBundle(t *testing.T) {
	env := newTestEnv(t, testConfig(t), &fakeRelayClient{})
	handler := newAPIHandler(t, NewAPI(zap.NewNop(), env.router, fakePool{}, env.relay))

	d, err := env.router.Deliver(context.Background(), opportunity(100))
	require.NoError(t, err)
	require.Equal(t, PathRelay, d.Path)

	var b relay.Bundle
	require.NoError(t, json.Unmarshal(call(t, handler, BundleEndpointName, d.BundleID), &b))
	require.Equal(t, d.BundleID, b.ID)
	require.Equal(t, d.TargetBlock, b.TargetBlock)
}

func TestAPIWithoutRelay(t *testing.T) {
	env := newTestEnv(t, testConfig(t), &fakeRelayClient{})
	api := NewAPI(zap.NewNop(), env.router, fakePool{}, nil)

	health, err := api.RelayHealth(context.Background())
	require.NoError(t, err)
	require.Equal(t, RelayHealthResponse{}, health)

	metrics, err := api.Metrics(context.Background())
	require.NoError(t, err)
	require.Nil(t, metrics.Relay)

	_, err = api.Bundle(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, ErrRelayNotConfigured)
}

type fakeArchive struct {
	bundles map[common.Hash]relay.Bundle
	err     error
	reads   int
}

func (a *fakeArchive) Bundle(ctx context.Context, id common.Hash) (*relay.Bundle, error) {
	a.reads++
	if a.err != nil {
		return nil, a.err
	}
	b, ok := a.bundles[id]
	if !ok {
		return nil, relay.ErrBundleNotFound
	}
	return &b, nil
}

func TestAPIBundleFallsBackToArchives(t *testing.T) {
	env := newTestEnv(t, testConfig(t), &fakeRelayClient{})
	archived := relay.Bundle{ID: common.HexToHash("0xa1"), TargetBlock: 90, Status: relay.StatusMissed}
	broken := &fakeArchive{err: errors.New("connection refused")}
	store := &fakeArchive{bundles: map[common.Hash]relay.Bundle{archived.ID: archived}}
	api := NewAPI(zap.NewNop(), env.router, fakePool{}, env.relay, broken, store)

	b, err := api.Bundle(context.Background(), archived.ID)
	require.NoError(t, err)
	require.Equal(t, archived, *b)
	require.Equal(t, 1, broken.reads)

	// bundles still in the relay history are not looked up
	d, err := env.router.Deliver(context.Background(), opportunity(100))
	require.NoError(t, err)
	b, err = api.Bundle(context.Background(), d.BundleID)
	require.NoError(t, err)
	require.Equal(t, d.BundleID, b.ID)
	require.Equal(t, 1, store.reads)

	_, err = api.Bundle(context.Background(), common.HexToHash("0xff"))
	require.ErrorIs(t, err, relay.ErrBundleNotFound)

	// archives alone answer when the relay is not configured
	api = NewAPI(zap.NewNop(), env.router, fakePool{}, nil, store)
	b, err = api.Bundle(context.Background(), archived.ID)
	require.NoError(t, err)
	require.Equal(t, relay.StatusMissed, b.Status)
}

func TestAPIErrorCodes(t *testing.T) {
	t.Run("invalid opportunity", func(t *testing.T) {
		env := newTestEnv(t, testConfig(t), &fakeRelayClient{})
		handler := newAPIHandler(t, NewAPI(zap.NewNop(), env.router, fakePool{}, env.relay))

		rpcErr := callError(t, handler, DeliverEndpointName, Opportunity{EstimatedProfitUSD: 100})
		require.Equal(t, jsonrpcserver.CodeInvalidParams, rpcErr.Code)
	})

	t.Run("relay unavailable", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Router.FallbackToPublic = false
		env := newTestEnv(t, cfg, &fakeRelayClient{statsErr: errors.New("connection refused")})
		handler := newAPIHandler(t, NewAPI(zap.NewNop(), env.router, fakePool{}, env.relay))

		rpcErr := callError(t, handler, DeliverEndpointName, opportunity(100))
		require.Equal(t, CodeRelayUnavailable, rpcErr.Code)
	})

	t.Run("relay submission failed", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Router.FallbackToPublic = false
		env := newTestEnv(t, cfg, &fakeRelayClient{sendErr: errors.New("bundle rejected")})
		handler := newAPIHandler(t, NewAPI(zap.NewNop(), env.router, fakePool{}, env.relay))

		rpcErr := callError(t, handler, DeliverEndpointName, opportunity(100))
		require.Equal(t, CodeRelaySubmissionFailed, rpcErr.Code)
	})

	t.Run("nonce conflict", func(t *testing.T) {
		env := newTestEnv(t, testConfig(t), &fakeRelayClient{})
		env.chain.mu.Lock()
		env.chain.sendErr = errors.New("nonce too low")
		env.chain.mu.Unlock()
		handler := newAPIHandler(t, NewAPI(zap.NewNop(), env.router, fakePool{}, env.relay))

		rpcErr := callError(t, handler, DeliverEndpointName, opportunity(1))
		require.Equal(t, CodeNonceConflict, rpcErr.Code)
	})

	t.Run("relay not configured", func(t *testing.T) {
		env := newTestEnv(t, testConfig(t), &fakeRelayClient{})
		handler := newAPIHandler(t, NewAPI(zap.NewNop(), env.router, fakePool{}, nil))

		rpcErr := callError(t, handler, BundleEndpointName, common.HexToHash("0x01"))
		require.Equal(t, CodeNotFound, rpcErr.Code)
	})
}
