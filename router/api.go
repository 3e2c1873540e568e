package router

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/bundle-submitter/endpoints"
	"github.com/flashbots/bundle-submitter/jsonrpcserver"
	"github.com/flashbots/bundle-submitter/relay"
	"go.uber.org/zap"
)

var ErrRelayNotConfigured = errors.New("relay is not configured")

const (
	DeliverEndpointName        = "submitter_deliver"
	EndpointStatusEndpointName = "submitter_endpointStatus"
	RelayHealthEndpointName    = "submitter_relayHealth"
	MetricsEndpointName        = "submitter_metrics"
	BundleEndpointName         = "submitter_bundle"
)

// Application error codes, in the JSON-RPC server error range.
const (
	CodeNonceConflict         = -32010
	CodeRelayUnavailable      = -32011
	CodeRelaySubmissionFailed = -32012
	CodeEndpointsExhausted    = -32013
	CodeNotFound              = -32014
)

// ErrorCodes maps delivery and query failures to JSON-RPC error codes.
// A fallback that ended in a nonce conflict reports the conflict, so it comes first.
var ErrorCodes = jsonrpcserver.ErrorCodes{
	{Err: ErrInvalidOpportunity, Code: jsonrpcserver.CodeInvalidParams},
	{Err: ErrNonceConflict, Code: CodeNonceConflict},
	{Err: ErrRelayUnavailable, Code: CodeRelayUnavailable},
	{Err: ErrRelaySubmissionFailed, Code: CodeRelaySubmissionFailed},
	{Err: endpoints.ErrExhaustedEndpoints, Code: CodeEndpointsExhausted},
	{Err: endpoints.ErrMaxRetriesReached, Code: CodeEndpointsExhausted},
	{Err: relay.ErrBundleNotFound, Code: CodeNotFound},
	{Err: ErrRelayNotConfigured, Code: CodeNotFound},
}

// BundleArchive looks up bundles that have left the relay submitter's history.
type BundleArchive interface {
	Bundle(ctx context.Context, id common.Hash) (*relay.Bundle, error)
}

// PoolStatus is the read side of the endpoint pool.
type PoolStatus interface {
	Active() (string, bool)
	Status() []endpoints.Status
	Stats() endpoints.Stats
}

// RelayStatus is the read side of the relay submitter.
type RelayStatus interface {
	Enabled() bool
	Initialized() bool
	IsHealthy() bool
	Stats() relay.Stats
	Bundle(id common.Hash) (relay.Bundle, bool)
}

type EndpointStatusResponse struct {
	Active    string             `json:"active"`
	Endpoints []endpoints.Status `json:"endpoints"`
	Stats     endpoints.Stats    `json:"stats"`
}

type RelayHealthResponse struct {
	Enabled     bool        `json:"enabled"`
	Initialized bool        `json:"initialized"`
	Healthy     bool        `json:"healthy"`
	Stats       relay.Stats `json:"stats"`
}

type MetricsResponse struct {
	Router Metrics         `json:"router"`
	Pool   endpoints.Stats `json:"pool"`
	Relay  *relay.Stats    `json:"relay,omitempty"`
}

// API exposes the router and its collaborators over JSON-RPC.
type API struct {
	log    *zap.Logger
	router *Router
	pool   PoolStatus
	relay  RelayStatus

	archives []BundleArchive
}

// NewAPI creates the API. rel may be nil when the relay is not configured.
// Bundle lookups fall back to the archives in order.
func NewAPI(log *zap.Logger, router *Router, pool PoolStatus, rel RelayStatus, archives ...BundleArchive) *API {
	return &API{log: log, router: router, pool: pool, relay: rel, archives: archives}
}

// Methods returns the JSON-RPC method table.
func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		DeliverEndpointName:        a.Deliver,
		EndpointStatusEndpointName: a.EndpointStatus,
		RelayHealthEndpointName:    a.RelayHealth,
		MetricsEndpointName:        a.Metrics,
		BundleEndpointName:         a.Bundle,
	}
}

func (a *API) Deliver(ctx context.Context, opp Opportunity) (*Delivery, error) {
	logger := a.log
	if signer := jsonrpcserver.GetSigner(ctx); signer != (common.Address{}) {
		logger = logger.With(zap.String("signer", signer.Hex()))
	}

	d, err := a.router.Deliver(ctx, opp)
	if err != nil {
		logger.Debug("Delivery rejected", zap.Error(err))
		return nil, err
	}
	logger.Debug("Delivery accepted", zap.String("id", d.ID.String()), zap.String("path", string(d.Path)))
	return d, nil
}

func (a *API) EndpointStatus(_ context.Context) (EndpointStatusResponse, error) {
	active, _ := a.pool.Active()
	return EndpointStatusResponse{
		Active:    active,
		Endpoints: a.pool.Status(),
		Stats:     a.pool.Stats(),
	}, nil
}

func (a *API) RelayHealth(_ context.Context) (RelayHealthResponse, error) {
	if a.relay == nil {
		return RelayHealthResponse{}, nil
	}
	return RelayHealthResponse{
		Enabled:     a.relay.Enabled(),
		Initialized: a.relay.Initialized(),
		Healthy:     a.relay.IsHealthy(),
		Stats:       a.relay.Stats(),
	}, nil
}

func (a *API) Metrics(_ context.Context) (MetricsResponse, error) {
	res := MetricsResponse{
		Router: a.router.Metrics(),
		Pool:   a.pool.Stats(),
	}
	if a.relay != nil {
		st := a.relay.Stats()
		res.Relay = &st
	}
	return res, nil
}

func (a *API) Bundle(ctx context.Context, id common.Hash) (*relay.Bundle, error) {
	if a.relay == nil && len(a.archives) == 0 {
		return nil, ErrRelayNotConfigured
	}
	if a.relay != nil {
		if b, ok := a.relay.Bundle(id); ok {
			return &b, nil
		}
	}
	for _, archive := range a.archives {
		b, err := archive.Bundle(ctx, id)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, relay.ErrBundleNotFound) {
			a.log.Warn("Failed to read bundle archive", zap.String("bundle", id.Hex()), zap.Error(err))
		}
	}
	return nil, relay.ErrBundleNotFound
}
