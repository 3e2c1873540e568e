// Package signature creates and verifies X-Flashbots-Signature request headers.
//
// The header has the form <address>:<signature> where the signature is an eth_sign style
// signature of the hex encoded keccak256 hash of the request body.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const HTTPHeader = "X-Flashbots-Signature"

var (
	ErrNoSignature      = errors.New("no signature provided")
	ErrInvalidSignature = errors.New("invalid signature provided")
)

type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Create returns the header value for body.
func (s *Signer) Create(body []byte) (string, error) {
	sig, err := crypto.Sign(bodyHash(body), s.key)
	if err != nil {
		return "", err
	}
	return s.address.Hex() + ":" + hexutil.Encode(sig), nil
}

// Verify checks a header value against body and returns the signing address.
func Verify(header string, body []byte) (common.Address, error) {
	if header == "" {
		return common.Address{}, ErrNoSignature
	}
	parts := strings.Split(header, ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
		return common.Address{}, ErrInvalidSignature
	}

	sig, err := hexutil.Decode(parts[1])
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(bodyHash(body), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(parts[0]) {
		return common.Address{}, ErrInvalidSignature
	}
	return recovered, nil
}

func bodyHash(body []byte) []byte {
	return accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body))))
}
