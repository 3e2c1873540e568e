package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var errTargetNotReached = errors.New("target block not reached")

// Resolve waits until the target block of h is on chain and moves the bundle to its terminal status:
// included if every transaction landed in the target block, nonce_error if a sender's nonce moved past
// a bundle transaction, missed otherwise or if ResolveTimeout passed, error if the chain could not be read.
//
// Resolving an already resolved bundle returns its result without another transition.
// If ctx is cancelled the bundle stays pending and ctx.Err() is returned.
func (s *Submitter) Resolve(ctx context.Context, h *Handle) (Result, error) {
	if res, ok := h.Result(); ok {
		return res, nil
	}

	s.mu.Lock()
	p, ok := s.pending[h.ID]
	var b Bundle
	if ok {
		b = p.bundle
	}
	s.mu.Unlock()
	if !ok {
		if res, ok := h.Result(); ok {
			return res, nil
		}
		return Result{}, ErrBundleNotFound
	}

	result, err := s.decide(ctx, b)
	if err != nil {
		return Result{}, err
	}
	if final, applied := s.finalize(b.ID, result); applied {
		return final, nil
	}
	// resolved concurrently
	<-h.done
	return h.result, nil
}

func (s *Submitter) decide(ctx context.Context, b Bundle) (Result, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()

	err := s.waitForBlock(rctx, b.TargetBlock)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Status: StatusMissed, Reason: "resolve timeout"}, nil
	default:
		return Result{Status: StatusError, Reason: err.Error()}, nil
	}

	res, err := s.inspect(rctx, b)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Status: StatusError, Reason: err.Error()}, nil
	}
	return res, nil
}

func (s *Submitter) waitForBlock(ctx context.Context, target uint64) error {
	poll := func() error {
		head, err := s.chain.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return backoff.Permanent(err)
		}
		s.observeHead(head)
		if head < target {
			return errTargetNotReached
		}
		return nil
	}
	return backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(s.cfg.PollInterval), ctx))
}

// inspect decides the outcome of a bundle whose target block is on chain.
func (s *Submitter) inspect(ctx context.Context, b Bundle) (Result, error) {
	var (
		gasUsed  uint64
		included = true
	)
	for _, tx := range b.Transactions {
		receipt, err := s.chain.TransactionReceipt(ctx, tx.Hash())
		if errors.Is(err, ethereum.NotFound) {
			included = false
			continue
		}
		if err != nil {
			return Result{}, err
		}
		if receipt.BlockNumber == nil || receipt.BlockNumber.Uint64() != b.TargetBlock {
			included = false
			continue
		}
		gasUsed += receipt.GasUsed
	}
	if included {
		return Result{Status: StatusIncluded, GasUsed: gasUsed}, nil
	}

	reason, err := s.nonceConflict(ctx, b)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return Result{Status: StatusNonceError, Reason: reason}, nil
	}
	return Result{Status: StatusMissed, Reason: "target block passed without inclusion"}, nil
}

// nonceConflict reports a bundle transaction whose nonce was consumed by another transaction.
func (s *Submitter) nonceConflict(ctx context.Context, b Bundle) (string, error) {
	block := new(big.Int).SetUint64(b.TargetBlock)
	for _, tx := range b.Transactions {
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			return "", err
		}
		nonce, err := s.chain.NonceAt(ctx, from, block)
		if err != nil {
			return "", err
		}
		if nonce > tx.Nonce() {
			return fmt.Sprintf("nonce %d of %s already used, account nonce is %d", tx.Nonce(), from.Hex(), nonce), nil
		}
	}
	return "", nil
}

// sweep resolves bundles pending for longer than twice the resolve timeout as missed
// and drops expired history. It returns the number of expired pending bundles.
func (s *Submitter) sweep(now time.Time) int {
	maxAge := 2 * s.cfg.ResolveTimeout

	s.mu.Lock()
	var expired []*pendingBundle
	for _, p := range s.pending {
		if now.Sub(p.bundle.SubmittedAt) > maxAge {
			expired = append(expired, p)
		}
	}
	dropped := s.history.prune(now)
	s.mu.Unlock()

	for _, p := range expired {
		s.finalize(p.bundle.ID, Result{Status: StatusMissed, Reason: "expired without resolution"})
	}
	if len(expired) > 0 || dropped > 0 {
		s.log.Info("Relay maintenance", zap.Int("expired", len(expired)), zap.Int("history_dropped", dropped))
	}
	return len(expired)
}
