// Package router turns a prepared opportunity into a delivered transaction.
//
// It decides between the private relay path and the public path by estimated profit,
// computes the fee envelope from the current base fee, signs the transaction with the trading key
// and a serialized nonce, and falls back from the relay to the public path when the relay is unhealthy
// or keeps failing. Public sends are retried only by the endpoint pool, never here.
package router

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/bundle-submitter/config"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/flashbots/bundle-submitter/metrics"
	"github.com/flashbots/bundle-submitter/nonce"
	"github.com/flashbots/bundle-submitter/relay"
	"github.com/flashbots/bundle-submitter/spike"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrRelayUnavailable      = errors.New("relay is unavailable and public fallback is disabled")
	ErrRelaySubmissionFailed = errors.New("relay submission failed")
	ErrNonceConflict         = errors.New("nonce conflict, rebuild with a fresh nonce")
	ErrNoBundle              = errors.New("delivery has no bundle")
	ErrInvalidOpportunity    = errors.New("invalid opportunity")
)

const baseFeeKey = "latest"

// Chain is the public path, satisfied by *endpoints.Pool.
type Chain interface {
	BaseFee(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Relay is the private path, satisfied by *relay.Submitter.
type Relay interface {
	Enabled() bool
	Initialized() bool
	IsHealthy() bool
	OptimalTargetBlock(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, txs []*types.Transaction, targetBlock uint64) (*relay.Handle, error)
	Resolve(ctx context.Context, h *relay.Handle) (relay.Result, error)
}

// Nonces allocates nonces for the trading wallet, satisfied by *nonce.Manager.
type Nonces interface {
	Reserve(ctx context.Context) (*nonce.Reservation, error)
	Invalidate(ctx context.Context) error
}

// Opportunity is a prepared transaction request with its estimated profit.
type Opportunity struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
	// Value is optional
	Value *hexutil.Big `json:"value,omitempty"`
	// GasLimit is the advisor's estimate, estimated through the pool if zero
	GasLimit           hexutil.Uint64 `json:"gasLimit"`
	EstimatedProfitUSD float64        `json:"estimatedProfitUsd"`
	TokenPair          string         `json:"tokenPair"`
}

type Path string

const (
	PathRelay  Path = "relay"
	PathPublic Path = "public"
)

type Decision struct {
	UseRelay bool              `json:"useRelay"`
	Fees     relay.FeeEnvelope `json:"fees"`
	Reason   string            `json:"reason"`
}

type Delivery struct {
	ID          uuid.UUID   `json:"id"`
	Path        Path        `json:"path"`
	Decision    Decision    `json:"decision"`
	TxHash      common.Hash `json:"txHash"`
	Nonce       uint64      `json:"nonce"`
	BundleID    common.Hash `json:"bundleId,omitempty"`
	TargetBlock uint64      `json:"targetBlock,omitempty"`
	FellBack    bool        `json:"fellBack"`

	handle *relay.Handle
}

type Metrics struct {
	Deliveries       uint64 `json:"deliveries"`
	RelayDeliveries  uint64 `json:"relayDeliveries"`
	PublicDeliveries uint64 `json:"publicDeliveries"`
	Fallbacks        uint64 `json:"fallbacks"`
	Failures         uint64 `json:"failures"`
	NonceConflicts   uint64 `json:"nonceConflicts"`
	BaseFeeFetches   uint64 `json:"baseFeeFetches"`
}

type Router struct {
	log     *zap.Logger
	cfg     config.RouterConfig
	fees    config.FeeConfig
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer

	chain  Chain
	relay  Relay
	nonces Nonces
	bus    *events.Bus

	baseFees *spike.Manager[*big.Int]

	// resolvers outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	deliveries       atomic.Uint64
	relayDeliveries  atomic.Uint64
	publicDeliveries atomic.Uint64
	fallbacks        atomic.Uint64
	failures         atomic.Uint64
	nonceConflicts   atomic.Uint64
}

// New creates a router. relay may be nil when the relay is not configured.
func New(log *zap.Logger, cfg config.Config, chain Chain, rel Relay, nonces Nonces, bus *events.Bus) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		log:     log.Named("router"),
		cfg:     cfg.Router,
		fees:    cfg.Fees,
		chainID: cfg.ChainID,
		key:     cfg.TradingKey,
		from:    crypto.PubkeyToAddress(cfg.TradingKey.PublicKey),
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		chain:   chain,
		relay:   rel,
		nonces:  nonces,
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.baseFees = spike.NewManager(func(ctx context.Context, _ string) (*big.Int, error) {
		return r.chain.BaseFee(ctx)
	}, cfg.Router.BaseFeeCacheTTL, cfg.Relay.Timeout)
	return r
}

// ShouldUseRelay reports whether a transaction with the given profit goes through the relay.
func (r *Router) ShouldUseRelay(estimatedProfitUSD float64) bool {
	return r.relayReady() && estimatedProfitUSD >= r.cfg.ProfitThresholdUSD
}

func (r *Router) relayReady() bool {
	return r.relay != nil && r.relay.Initialized() && r.relay.Enabled()
}

func (r *Router) decide(opp Opportunity, fees relay.FeeEnvelope) Decision {
	d := Decision{Fees: fees, UseRelay: r.ShouldUseRelay(opp.EstimatedProfitUSD)}
	switch {
	case !r.relayReady():
		d.Reason = "relay not initialized"
	case d.UseRelay:
		d.Reason = fmt.Sprintf("profit $%.2f at or above threshold $%.2f", opp.EstimatedProfitUSD, r.cfg.ProfitThresholdUSD)
	default:
		d.Reason = fmt.Sprintf("profit $%.2f below threshold $%.2f", opp.EstimatedProfitUSD, r.cfg.ProfitThresholdUSD)
	}
	return d
}

// Deliver signs and sends the opportunity's transaction.
//
// On the relay path it returns once a bundle was accepted; the bundle is resolved in the background
// and the nonce is settled by its outcome. If the relay is unhealthy or every relay attempt failed,
// the same signed transaction is sent publicly when FallbackToPublic is set, else ErrRelayUnavailable
// or ErrRelaySubmissionFailed is returned.
func (r *Router) Deliver(ctx context.Context, opp Opportunity) (*Delivery, error) {
	if opp.To == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing recipient", ErrInvalidOpportunity)
	}

	d := &Delivery{ID: uuid.New()}
	log := r.log.With(zap.String("delivery", d.ID.String()), zap.String("pair", opp.TokenPair))
	r.deliveries.Add(1)

	baseFee, err := r.baseFees.GetResult(ctx, baseFeeKey)
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}
	gasLimit := uint64(opp.GasLimit)
	if gasLimit == 0 {
		gasLimit, err = r.chain.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &opp.To, Data: opp.Data, Value: opp.Value.ToInt()})
		if err != nil {
			r.failures.Add(1)
			return nil, err
		}
	}
	d.Decision = r.decide(opp, relay.ComputeFeeEnvelope(baseFee, gasLimit, r.fees))

	reservation, err := r.nonces.Reserve(ctx)
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}
	tx, err := r.sign(opp, d.Decision.Fees, reservation.Value())
	if err != nil {
		reservation.Release()
		r.failures.Add(1)
		return nil, err
	}
	d.TxHash = tx.Hash()
	d.Nonce = tx.Nonce()

	if d.Decision.UseRelay {
		err := ErrRelayUnavailable
		if r.relay.IsHealthy() {
			err = r.deliverPrivate(ctx, log, d, tx, reservation)
		}
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil || !r.cfg.FallbackToPublic {
			reservation.Release()
			r.failures.Add(1)
			log.Warn("Relay delivery failed", zap.Error(err))
			return nil, err
		}

		d.FellBack = true
		r.fallbacks.Add(1)
		metrics.IncDeliveryFallback()
		r.bus.Publish(events.DeliveryFellBack{AttemptID: d.ID.String(), Reason: err.Error()})
		log.Warn("Falling back to public delivery", zap.Error(err))
	}

	if err := r.deliverPublic(ctx, log, d, tx, reservation); err != nil {
		r.failures.Add(1)
		return nil, err
	}
	return d, nil
}

func (r *Router) sign(opp Opportunity, fees relay.FeeEnvelope, nonce uint64) (*types.Transaction, error) {
	return types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       fees.GasLimit,
		To:        &opp.To,
		Value:     opp.Value.ToInt(),
		Data:      opp.Data,
	}), r.signer, r.key)
}

// deliverPrivate tries up to MaxRetries relay submissions, each for a freshly read target block.
func (r *Router) deliverPrivate(ctx context.Context, log *zap.Logger, d *Delivery, tx *types.Transaction, reservation *nonce.Reservation) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		target, err := r.relay.OptimalTargetBlock(ctx)
		if err != nil {
			lastErr = err
			break
		}

		h, err := r.relay.Submit(ctx, []*types.Transaction{tx}, target)
		if err == nil {
			d.Path = PathRelay
			d.BundleID = h.ID
			d.TargetBlock = target
			d.handle = h
			r.relayDeliveries.Add(1)
			metrics.IncDelivery(string(PathRelay))
			r.track(log.With(zap.String("bundle", h.ID.Hex())), h, reservation)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		log.Warn("Relay submission attempt failed", zap.Int("attempt", attempt), zap.Uint64("target_block", target), zap.Error(err))
		if errors.Is(err, relay.ErrRelayNotInitialized) {
			break
		}
	}
	return errors.Join(ErrRelaySubmissionFailed, lastErr)
}

// track resolves a bundle in the background and settles its nonce.
func (r *Router) track(log *zap.Logger, h *relay.Handle, reservation *nonce.Reservation) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.relay.Resolve(r.ctx, h)
		if err != nil {
			log.Warn("Bundle resolution interrupted", zap.Error(err))
			return
		}
		switch res.Status {
		case relay.StatusIncluded:
			reservation.Commit()
		case relay.StatusNonceError:
			reservation.Commit()
			r.nonceConflicts.Add(1)
			if err := r.nonces.Invalidate(r.ctx); err != nil {
				log.Warn("Failed to resync nonce", zap.Error(err))
			}
		default:
			reservation.Release()
		}
	}()
}

func (r *Router) deliverPublic(ctx context.Context, log *zap.Logger, d *Delivery, tx *types.Transaction, reservation *nonce.Reservation) error {
	err := r.chain.SendTransaction(ctx, tx)
	if err != nil && isAlreadyKnown(err) {
		// a retried send whose first reply was lost; the node holds this exact transaction
		log.Info("Transaction already in mempool", zap.String("tx", tx.Hash().Hex()), zap.Error(err))
		err = nil
	}
	if err != nil {
		metrics.IncDeliveryPublicFailure()
		if isNonceConflict(err) {
			reservation.Commit()
			r.nonceConflicts.Add(1)
			if err := r.nonces.Invalidate(ctx); err != nil {
				log.Warn("Failed to resync nonce", zap.Error(err))
			}
			return errors.Join(ErrNonceConflict, err)
		}
		reservation.Release()
		if isFeeCapTooLow(err) {
			// the cached base fee is behind the chain
			r.baseFees.Invalidate(baseFeeKey)
		}
		log.Warn("Public delivery failed", zap.Error(err))
		return err
	}

	reservation.Commit()
	d.Path = PathPublic
	r.publicDeliveries.Add(1)
	metrics.IncDelivery(string(PathPublic))
	r.bus.Publish(events.TransactionSent{AttemptID: d.ID.String(), TxHash: tx.Hash()})
	log.Info("Transaction sent publicly", zap.String("tx", tx.Hash().Hex()), zap.Uint64("nonce", tx.Nonce()))
	return nil
}

func isNonceConflict(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isFeeCapTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "less than block base fee")
}

// isAlreadyKnown matches the txpool reply for a transaction hash it already holds.
func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

// Await blocks until the bundle of a relay delivery is resolved.
// A nonce conflict is returned as ErrNonceConflict together with the result.
func (r *Router) Await(ctx context.Context, d *Delivery) (relay.Result, error) {
	if d.handle == nil {
		return relay.Result{}, ErrNoBundle
	}
	res, err := d.handle.Wait(ctx)
	if err != nil {
		return res, err
	}
	if res.Status == relay.StatusNonceError {
		return res, fmt.Errorf("%w: %s", ErrNonceConflict, res.Reason)
	}
	return res, nil
}

func (r *Router) Metrics() Metrics {
	return Metrics{
		Deliveries:       r.deliveries.Load(),
		RelayDeliveries:  r.relayDeliveries.Load(),
		PublicDeliveries: r.publicDeliveries.Load(),
		Fallbacks:        r.fallbacks.Load(),
		Failures:         r.failures.Load(),
		NonceConflicts:   r.nonceConflicts.Load(),
		BaseFeeFetches:   r.baseFees.Fetches(),
	}
}

// Close stops background resolution and waits for it to finish.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}
