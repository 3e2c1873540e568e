package relay

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type SendBundleArgs struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

type CallBundleArgs struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber"`
}

type CallBundleResult struct {
	TxHash  common.Hash `json:"txHash"`
	GasUsed uint64      `json:"gasUsed"`
	Error   string      `json:"error,omitempty"`
	Revert  string      `json:"revert,omitempty"`
}

type CallBundleResponse struct {
	BundleHash   common.Hash        `json:"bundleHash"`
	TotalGasUsed uint64             `json:"totalGasUsed"`
	Results      []CallBundleResult `json:"results"`
}

type GetUserStatsArgs struct {
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

type UserStats struct {
	IsHighPriority           bool   `json:"isHighPriority"`
	AllTimeValidatorPayments string `json:"allTimeValidatorPayments"`
	AllTimeGasSimulated      string `json:"allTimeGasSimulated"`
	Last7dValidatorPayments  string `json:"last7dValidatorPayments"`
	Last7dGasSimulated       string `json:"last7dGasSimulated"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusIncluded   Status = "included"
	StatusMissed     Status = "missed"
	StatusNonceError Status = "nonce_error"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool {
	return s != StatusPending
}

// Bundle is one private submission for one target block.
// Once its status is terminal it is moved to history and never changes again.
type Bundle struct {
	ID           common.Hash          `json:"id"`
	RelayHash    common.Hash          `json:"relayHash"`
	Transactions []*types.Transaction `json:"-"`
	TxHashes     []common.Hash        `json:"txHashes"`
	TargetBlock  uint64               `json:"targetBlock"`
	SubmittedAt  time.Time            `json:"submittedAt"`
	Status       Status               `json:"status"`
	ResolvedAt   time.Time            `json:"resolvedAt,omitempty"`
	GasUsed      uint64               `json:"gasUsed,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// Result is the terminal outcome of a bundle.
type Result struct {
	Status  Status `json:"status"`
	GasUsed uint64 `json:"gasUsed,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
