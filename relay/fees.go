package relay

import (
	"math/big"

	"github.com/flashbots/bundle-submitter/config"
)

// FeeEnvelope is the EIP-1559 fee setting applied to a transaction.
type FeeEnvelope struct {
	// BaseFee is the observed base fee capped at the configured maximum.
	BaseFee              *big.Int `json:"baseFee"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	GasLimit             uint64   `json:"gasLimit"`
	// TotalFee is the worst case spend, MaxFeePerGas * GasLimit.
	TotalFee *big.Int `json:"totalFee"`
	Capped   bool     `json:"capped"`
}

// ComputeFeeEnvelope caps the observed base fee and adds the configured priority fee.
func ComputeFeeEnvelope(observedBaseFee *big.Int, gasLimit uint64, fees config.FeeConfig) FeeEnvelope {
	maxBaseFee := fees.MaxBaseFee()
	priorityFee := fees.PriorityFee()

	baseFee := new(big.Int)
	if observedBaseFee != nil {
		baseFee.Set(observedBaseFee)
	}
	capped := baseFee.Cmp(maxBaseFee) > 0
	if capped {
		baseFee.Set(maxBaseFee)
	}

	maxFee := new(big.Int).Add(baseFee, priorityFee)
	return FeeEnvelope{
		BaseFee:              baseFee,
		MaxPriorityFeePerGas: priorityFee,
		MaxFeePerGas:         maxFee,
		GasLimit:             gasLimit,
		TotalFee:             new(big.Int).Mul(maxFee, new(big.Int).SetUint64(gasLimit)),
		Capped:               capped,
	}
}
