package endpoints

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrNoBaseFee = errors.New("latest header has no base fee")

// The helpers below route single chain calls through Execute.

func (p *Pool) ChainID(ctx context.Context) (*big.Int, error) {
	var res *big.Int
	err := p.Execute(ctx, func(ctx context.Context, c Client) (err error) {
		res, err = c.ChainID(ctx)
		return err
	})
	return res, err
}

func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var res uint64
	err := p.Execute(ctx, func(ctx context.Context, c Client) (err error) {
		res, err = c.BlockNumber(ctx)
		return err
	})
	return res, err
}

// BaseFee returns the base fee of the latest block.
func (p *Pool) BaseFee(ctx context.Context) (*big.Int, error) {
	var res *big.Int
	err := p.Execute(ctx, func(ctx context.Context, c Client) error {
		header, err := c.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if header.BaseFee == nil {
			return ErrNoBaseFee
		}
		res = new(big.Int).Set(header.BaseFee)
		return nil
	})
	return res, err
}

func (p *Pool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var res uint64
	err := p.Execute(ctx, func(ctx context.Context, c Client) (err error) {
		res, err = c.EstimateGas(ctx, msg)
		return err
	})
	return res, err
}

func (p *Pool) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	var res uint64
	err := p.Execute(ctx, func(ctx context.Context, c Client) (err error) {
		res, err = c.NonceAt(ctx, account, block)
		return err
	})
	return res, err
}

func (p *Pool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var res uint64
	err := p.Execute(ctx, func(ctx context.Context, c Client) (err error) {
		res, err = c.PendingNonceAt(ctx, account)
		return err
	})
	return res, err
}

func (p *Pool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.Execute(ctx, func(ctx context.Context, c Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt returns ethereum.NotFound without retrying if the transaction is not mined.
func (p *Pool) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var res *types.Receipt
	err := p.Execute(ctx, func(ctx context.Context, c Client) (err error) {
		res, err = c.TransactionReceipt(ctx, hash)
		return err
	})
	return res, err
}
