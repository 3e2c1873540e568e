package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/bundle-submitter/metrics"
	"github.com/flashbots/bundle-submitter/signature"
	"github.com/ybbus/jsonrpc/v3"
)

// Client is the relay API used by the submitter.
type Client interface {
	SendBundle(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error)
	CallBundle(ctx context.Context, args CallBundleArgs) (*CallBundleResponse, error)
	GetUserStats(ctx context.Context, block uint64) (*UserStats, error)
}

type JSONRPCClient struct {
	url    string
	client jsonrpc.RPCClient
}

// NewJSONRPCClient creates a relay client that signs every request body with signer.
func NewJSONRPCClient(url string, signer *signature.Signer) *JSONRPCClient {
	httpClient := &http.Client{
		Transport: &signingTransport{
			signer: signer,
			next:   http.DefaultTransport,
		},
	}
	return &JSONRPCClient{
		url: url,
		client: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
			HTTPClient: httpClient,
		}),
	}
}

func (c *JSONRPCClient) String() string {
	return c.url
}

func (c *JSONRPCClient) SendBundle(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error) {
	var res SendBundleResponse
	err := c.call(ctx, &res, "eth_sendBundle", []SendBundleArgs{args})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *JSONRPCClient) CallBundle(ctx context.Context, args CallBundleArgs) (*CallBundleResponse, error) {
	var res CallBundleResponse
	err := c.call(ctx, &res, "eth_callBundle", []CallBundleArgs{args})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *JSONRPCClient) GetUserStats(ctx context.Context, block uint64) (*UserStats, error) {
	var res UserStats
	err := c.call(ctx, &res, "flashbots_getUserStatsV2", []GetUserStatsArgs{{BlockNumber: hexutil.Uint64(block)}})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *JSONRPCClient) call(ctx context.Context, out any, method string, params any) error {
	start := time.Now()
	err := c.client.CallFor(ctx, out, method, params)
	metrics.RecordRelayCallDuration(method, time.Since(start).Milliseconds())
	if err != nil {
		metrics.IncRelayCallFailure(method)
	}
	return err
}

// signingTransport adds the relay signature header computed over the request body.
type signingTransport struct {
	signer *signature.Signer
	next   http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	header, err := t.signer.Create(body)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(signature.HTTPHeader, header)
	return t.next.RoundTrip(signed)
}
