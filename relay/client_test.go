package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/bundle-submitter/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     any               `json:"id"`
}

func TestJSONRPCClientSignsRequests(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signerAddress := crypto.PubkeyToAddress(key.PublicKey)

	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		address, err := signature.Verify(r.Header.Get(signature.HTTPHeader), body)
		assert.NoError(t, err)
		assert.Equal(t, signerAddress, address)

		var req rpcRequest
		if !assert.NoError(t, json.Unmarshal(body, &req)) {
			return
		}
		methods = append(methods, req.Method)
		assert.Len(t, req.Params, 1)

		var result any
		switch req.Method {
		case "eth_sendBundle":
			var args SendBundleArgs
			assert.NoError(t, json.Unmarshal(req.Params[0], &args))
			assert.Equal(t, hexutil.Uint64(101), args.BlockNumber)
			assert.Len(t, args.Txs, 1)
			result = SendBundleResponse{BundleHash: common.HexToHash("0xabc")}
		case "eth_callBundle":
			result = CallBundleResponse{TotalGasUsed: 21000}
		case "flashbots_getUserStatsV2":
			result = UserStats{IsHighPriority: true}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	defer server.Close()

	client := NewJSONRPCClient(server.URL, signature.NewSigner(key))
	ctx := context.Background()

	sent, err := client.SendBundle(ctx, SendBundleArgs{Txs: []hexutil.Bytes{{0x02, 0x01}}, BlockNumber: 101})
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xabc"), sent.BundleHash)

	sim, err := client.CallBundle(ctx, CallBundleArgs{Txs: []hexutil.Bytes{{0x02}}, BlockNumber: 101, StateBlockNumber: "latest"})
	require.NoError(t, err)
	require.Equal(t, uint64(21000), sim.TotalGasUsed)

	stats, err := client.GetUserStats(ctx, 100)
	require.NoError(t, err)
	require.True(t, stats.IsHighPriority)

	require.Equal(t, []string{"eth_sendBundle", "eth_callBundle", "flashbots_getUserStatsV2"}, methods)
}

func TestJSONRPCClientRelayError(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":0,"error":{"code":-32000,"message":"invalid signature"}}`))
	}))
	defer server.Close()

	client := NewJSONRPCClient(server.URL, signature.NewSigner(key))
	_, err = client.SendBundle(context.Background(), SendBundleArgs{BlockNumber: 1})
	require.ErrorContains(t, err, "invalid signature")
}
