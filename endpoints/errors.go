package endpoints

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes that reject the request itself
const (
	codeExecutionReverted = 3
	codeInvalidParams     = -32602
)

// node replies that describe the request, not the endpoint
var applicationErrors = []string{
	"nonce too low",
	"nonce too high",
	"already known",
	"replacement transaction underpriced",
	"transaction underpriced",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"execution reverted",
	"max fee per gas less than block base fee",
}

// IsTransient reports whether err is an endpoint fault worth retrying on another endpoint.
// Cancellation and node replies about the request itself are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeExecutionReverted, codeInvalidParams:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range applicationErrors {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}
