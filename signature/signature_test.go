package signature

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_sendBundle","params":[]}`)
	header, err := signer.Create(body)
	require.NoError(t, err)

	address, err := Verify(header, body)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), address)
	require.Equal(t, signer.Address(), address)
}

func TestVerifyRejects(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	body := []byte(`{"method":"eth_sendBundle"}`)
	header, err := NewSigner(key).Create(body)
	require.NoError(t, err)
	otherHeader, err := NewSigner(other).Create(body)
	require.NoError(t, err)

	tests := map[string]struct {
		header string
		body   []byte
		err    error
	}{
		"empty": {
			header: "",
			body:   body,
			err:    ErrNoSignature,
		},
		"tampered body": {
			header: header,
			body:   []byte(`{"method":"eth_callBundle"}`),
			err:    ErrInvalidSignature,
		},
		"wrong address": {
			header: crypto.PubkeyToAddress(other.PublicKey).Hex() + header[42:],
			body:   body,
			err:    ErrInvalidSignature,
		},
		"signature of another key": {
			header: crypto.PubkeyToAddress(key.PublicKey).Hex() + otherHeader[42:],
			body:   body,
			err:    ErrInvalidSignature,
		},
		"malformed": {
			header: "0x123:0xzz",
			body:   body,
			err:    ErrInvalidSignature,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Verify(tt.header, tt.body)
			require.ErrorIs(t, err, tt.err)
		})
	}
}
