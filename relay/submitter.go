// Package relay submits private bundles to a relay and resolves their on-chain fate.
package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/bundle-submitter/config"
	"github.com/flashbots/bundle-submitter/events"
	"github.com/flashbots/bundle-submitter/metrics"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

var (
	ErrRelayDisabled        = errors.New("relay is disabled")
	ErrNoSigner             = errors.New("relay signer key is not configured")
	ErrRelayNotInitialized  = errors.New("relay session not initialized")
	ErrEmptyBundle          = errors.New("bundle has no transactions")
	ErrStaleTargetBlock     = errors.New("target block is not in the future")
	ErrBundleAlreadyPending = errors.New("bundle is already pending")
	ErrSubmissionFailed     = errors.New("relay submission failed")
	ErrSimulationFailed     = errors.New("bundle simulation failed")
	ErrBundleNotFound       = errors.New("bundle not found")
)

// Chain is the chain access the submitter needs, satisfied by *endpoints.Pool.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
}

// Handle tracks a submitted bundle until it is resolved.
type Handle struct {
	ID          common.Hash
	TargetBlock uint64

	done   chan struct{}
	result Result
}

func newHandle(id common.Hash, target uint64) *Handle {
	return &Handle{ID: id, TargetBlock: target, done: make(chan struct{})}
}

// Done is closed once the bundle reached a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the bundle is resolved or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type pendingBundle struct {
	bundle Bundle
	handle *Handle
}

type Stats struct {
	Submitted        uint64        `json:"submitted"`
	Included         uint64        `json:"included"`
	Missed           uint64        `json:"missed"`
	NonceErrors      uint64        `json:"nonceErrors"`
	Failed           uint64        `json:"failed"`
	Pending          int           `json:"pending"`
	History          int           `json:"history"`
	SuccessRate      float64       `json:"successRate"`
	AvgInclusionTime time.Duration `json:"avgInclusionTime"`
}

type Submitter struct {
	log     *zap.Logger
	cfg     config.RelayConfig
	client  Client
	chain   Chain
	bus     *events.Bus
	limiter *rate.Limiter

	initialized atomic.Bool
	healthy     atomic.Bool
	lastHead    atomic.Uint64

	mu      sync.Mutex
	pending map[common.Hash]*pendingBundle
	history *history

	statsMu        sync.Mutex
	stats          Stats
	inclusionTotal time.Duration
}

func NewSubmitter(log *zap.Logger, cfg config.RelayConfig, client Client, chain Chain, bus *events.Bus) *Submitter {
	s := &Submitter{
		log:     log.Named("relay"),
		cfg:     cfg,
		client:  client,
		chain:   chain,
		bus:     bus,
		pending: make(map[common.Hash]*pendingBundle),
		history: newHistory(cfg.HistorySize, cfg.HistoryRetention),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s
}

// Initialize sets up the relay session once at startup. The relay signer must not be the trading wallet.
// A failing first health check does not fail initialization, the relay is then reported unhealthy.
func (s *Submitter) Initialize(ctx context.Context, tradingWallet common.Address) error {
	if !s.cfg.Enabled {
		return ErrRelayDisabled
	}
	if s.cfg.SignerKey == nil {
		return ErrNoSigner
	}
	signer := crypto.PubkeyToAddress(s.cfg.SignerKey.PublicKey)
	if signer == tradingWallet {
		return config.ErrSharedSignerKey
	}
	s.initialized.Store(true)

	if _, err := s.CheckHealth(ctx); err != nil {
		s.log.Warn("Relay is not reachable at startup", zap.Error(err))
	}
	s.log.Info("Relay session initialized", zap.String("signer", signer.Hex()), zap.String("url", s.cfg.URL))
	return nil
}

func (s *Submitter) Enabled() bool {
	return s.cfg.Enabled
}

func (s *Submitter) Initialized() bool {
	return s.initialized.Load()
}

// OptimalTargetBlock returns the block after the current head, read fresh from the chain.
func (s *Submitter) OptimalTargetBlock(ctx context.Context) (uint64, error) {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	s.observeHead(head)
	return head + 1, nil
}

func (s *Submitter) observeHead(head uint64) {
	for {
		cur := s.lastHead.Load()
		if head <= cur || s.lastHead.CompareAndSwap(cur, head) {
			return
		}
	}
}

// Submit sends txs as a bundle for targetBlock and returns as soon as the relay accepted it.
// The bundle is resolved separately with Resolve.
//
// If sending fails or times out after Timeout, the bundle is resolved with StatusError right away
// and a BundleError event is published. A timed out send is an error rather than a miss because the
// relay never acknowledged the bundle; StatusMissed is reserved for accepted bundles whose target
// block passed without them, or that were not decided within ResolveTimeout.
func (s *Submitter) Submit(ctx context.Context, txs []*types.Transaction, targetBlock uint64) (*Handle, error) {
	if !s.Initialized() {
		return nil, ErrRelayNotInitialized
	}
	if len(txs) == 0 {
		return nil, ErrEmptyBundle
	}
	if targetBlock == 0 || targetBlock <= s.lastHead.Load() {
		return nil, ErrStaleTargetBlock
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	raw := make([]hexutil.Bytes, 0, len(txs))
	hashes := make([]common.Hash, 0, len(txs))
	for _, tx := range txs {
		data, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
		hashes = append(hashes, tx.Hash())
	}

	id := bundleID(hashes, targetBlock)
	log := s.log.With(zap.String("bundle", id.Hex()), zap.Uint64("target_block", targetBlock))

	handle := newHandle(id, targetBlock)
	s.mu.Lock()
	if _, ok := s.pending[id]; ok {
		s.mu.Unlock()
		return nil, ErrBundleAlreadyPending
	}
	s.pending[id] = &pendingBundle{
		bundle: Bundle{
			ID:           id,
			Transactions: txs,
			TxHashes:     hashes,
			TargetBlock:  targetBlock,
			SubmittedAt:  time.Now(),
			Status:       StatusPending,
		},
		handle: handle,
	}
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.cfg.Simulate {
		if err := s.simulate(callCtx, raw, targetBlock); err != nil {
			log.Warn("Bundle simulation failed", zap.Error(err))
			s.finalize(id, Result{Status: StatusError, Reason: err.Error()})
			return nil, err
		}
	}

	res, err := s.client.SendBundle(callCtx, SendBundleArgs{Txs: raw, BlockNumber: hexutil.Uint64(targetBlock)})
	if err != nil {
		log.Warn("Failed to send bundle to relay", zap.Error(err))
		s.finalize(id, Result{Status: StatusError, Reason: err.Error()})
		return nil, errors.Join(ErrSubmissionFailed, err)
	}

	s.mu.Lock()
	if p, ok := s.pending[id]; ok {
		p.bundle.RelayHash = res.BundleHash
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Submitted++
	s.statsMu.Unlock()
	metrics.IncBundlesSubmitted()
	s.bus.Publish(events.BundleSubmitted{BundleID: id, TargetBlock: targetBlock})
	log.Info("Bundle submitted", zap.String("relay_hash", res.BundleHash.Hex()), zap.Int("txs", len(txs)))
	return handle, nil
}

func (s *Submitter) simulate(ctx context.Context, raw []hexutil.Bytes, targetBlock uint64) error {
	res, err := s.client.CallBundle(ctx, CallBundleArgs{
		Txs:              raw,
		BlockNumber:      hexutil.Uint64(targetBlock),
		StateBlockNumber: "latest",
	})
	if err != nil {
		return errors.Join(ErrSimulationFailed, err)
	}
	for _, r := range res.Results {
		if r.Error != "" || r.Revert != "" {
			return fmt.Errorf("%w: tx %s: %s%s", ErrSimulationFailed, r.TxHash.Hex(), r.Error, r.Revert)
		}
	}
	return nil
}

// finalize moves a pending bundle to history with its terminal result.
// It returns false if the bundle was already resolved.
func (s *Submitter) finalize(id common.Hash, result Result) (Result, bool) {
	now := time.Now()

	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return Result{}, false
	}
	delete(s.pending, id)
	b := p.bundle
	b.Status = result.Status
	b.ResolvedAt = now
	b.GasUsed = result.GasUsed
	b.Reason = result.Reason
	b.Transactions = nil
	s.history.add(b)
	s.mu.Unlock()

	p.handle.result = result
	close(p.handle.done)

	log := s.log.With(zap.String("bundle", id.Hex()), zap.Uint64("target_block", b.TargetBlock))

	s.statsMu.Lock()
	switch result.Status {
	case StatusIncluded:
		s.stats.Included++
		s.inclusionTotal += now.Sub(b.SubmittedAt)
	case StatusMissed:
		s.stats.Missed++
	case StatusNonceError:
		s.stats.NonceErrors++
	default:
		s.stats.Failed++
	}
	s.statsMu.Unlock()

	switch result.Status {
	case StatusIncluded:
		metrics.IncBundlesIncluded()
		metrics.RecordBundleInclusionDuration(now.Sub(b.SubmittedAt).Milliseconds())
		s.bus.Publish(events.BundleIncluded{BundleID: id, TargetBlock: b.TargetBlock, GasUsed: result.GasUsed})
		log.Info("Bundle included", zap.Uint64("gas_used", result.GasUsed))
	case StatusMissed:
		metrics.IncBundlesMissed()
		s.bus.Publish(events.BundleMissed{BundleID: id, TargetBlock: b.TargetBlock})
		log.Info("Bundle missed target block", zap.String("reason", result.Reason))
	case StatusNonceError:
		metrics.IncBundlesNonceError()
		s.bus.Publish(events.BundleError{BundleID: id, TargetBlock: b.TargetBlock, Status: string(result.Status), Reason: result.Reason})
		log.Warn("Bundle nonce conflict", zap.String("reason", result.Reason))
	default:
		metrics.IncBundlesFailed()
		s.bus.Publish(events.BundleError{BundleID: id, TargetBlock: b.TargetBlock, Status: string(result.Status), Reason: result.Reason})
		log.Warn("Bundle failed", zap.String("reason", result.Reason))
	}
	return result, true
}

// Bundle returns a pending or resolved bundle.
func (s *Submitter) Bundle(id common.Hash) (Bundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[id]; ok {
		return p.bundle, true
	}
	return s.history.get(id)
}

func (s *Submitter) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	history := s.history.len()
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := s.stats
	st.Pending = pending
	st.History = history
	resolved := st.Included + st.Missed + st.NonceErrors + st.Failed
	if resolved > 0 {
		st.SuccessRate = float64(st.Included) / float64(resolved)
	}
	if st.Included > 0 {
		st.AvgInclusionTime = s.inclusionTotal / time.Duration(st.Included)
	}
	return st
}

// bundleID is keccak256 over the ordered transaction hashes and the target block.
func bundleID(hashes []common.Hash, targetBlock uint64) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, h := range hashes {
		hasher.Write(h[:])
	}
	var block [8]byte
	binary.BigEndian.PutUint64(block[:], targetBlock)
	hasher.Write(block[:])
	return common.BytesToHash(hasher.Sum(nil))
}
