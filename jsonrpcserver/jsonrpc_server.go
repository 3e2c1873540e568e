// Package jsonrpcserver allows exposing functions like:
// func Foo(context, int) (int, error)
// as JSON-RPC methods.
//
// Requests may carry an X-Flashbots-Signature header. A present header is always verified and the
// recovered address is available to methods through GetSigner.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/bundle-submitter/signature"
	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const defaultMaxBodySize = 1 << 20

var (
	ErrSignatureRequired = errors.New("request must be signed")
	ErrSignerNotAllowed  = errors.New("signer is not allowed")
	ErrBodyTooLarge      = errors.New("request body too large")
)

type signerKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Opts struct {
	Log *zap.Logger
	// RequireSignature rejects requests without a signature header.
	RequireSignature bool
	// AllowedSigners restricts signed requests to these addresses, empty allows any signer.
	AllowedSigners []common.Address
	MaxBodySize    int64
	// ErrorCodes maps method errors to JSON-RPC codes, unmatched errors get CodeCustomError.
	ErrorCodes ErrorCodes
}

type Handler struct {
	log         *zap.Logger
	methods     map[string]method
	errorCodes  ErrorCodes
	requireSig  bool
	allowed     map[common.Address]struct{}
	maxBodySize int64
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(methods Methods, opts Opts) (*Handler, error) {
	m := make(map[string]method, len(methods))
	for name, fn := range methods {
		entry, err := newMethod(fn)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", name, err)
		}
		m[name] = entry
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxBodySize := opts.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	var allowed map[common.Address]struct{}
	if len(opts.AllowedSigners) > 0 {
		allowed = make(map[common.Address]struct{}, len(opts.AllowedSigners))
		for _, a := range opts.AllowedSigners {
			allowed[a] = struct{}{}
		}
	}

	return &Handler{
		log:         log.Named("jsonrpc"),
		methods:     m,
		errorCodes:  opts.ErrorCodes,
		requireSig:  opts.RequireSignature,
		allowed:     allowed,
		maxBodySize: maxBodySize,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  nil,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
			Data:    nil,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if int64(len(body)) > h.maxBodySize {
		writeJSONRPCError(w, nil, CodeInvalidRequest, ErrBodyTooLarge.Error())
		return
	}

	// read request
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, float64:
		default:
			writeJSONRPCError(w, req.ID, CodeParseError, "invalid id type")
			return
		}
	}

	ctx := r.Context()
	signer, err := h.authenticate(r.Header.Get(signature.HTTPHeader), body)
	if err != nil {
		h.log.Debug("Rejected request", zap.String("method", req.Method), zap.Error(err))
		writeJSONRPCError(w, req.ID, CodeInvalidRequest, err.Error())
		return
	}
	if signer != (common.Address{}) {
		ctx = context.WithValue(ctx, signerKey{}, signer)
	}

	// get method
	entry, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	// call method
	result, err := entry.call(ctx, req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, h.errorCodes.Code(err), err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	// write response
	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
		Error:   nil,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// authenticate returns the zero address for an accepted unsigned request.
func (h *Handler) authenticate(header string, body []byte) (common.Address, error) {
	if header == "" {
		if h.requireSig {
			return common.Address{}, ErrSignatureRequired
		}
		return common.Address{}, nil
	}
	signer, err := signature.Verify(header, body)
	if err != nil {
		return common.Address{}, err
	}
	if h.allowed != nil {
		if _, ok := h.allowed[signer]; !ok {
			return common.Address{}, ErrSignerNotAllowed
		}
	}
	return signer, nil
}

// GetSigner returns the verified signer of the request, or the zero address for unsigned requests.
func GetSigner(ctx context.Context) common.Address {
	value, ok := ctx.Value(signerKey{}).(common.Address)
	if !ok {
		return common.Address{}
	}
	return value
}
