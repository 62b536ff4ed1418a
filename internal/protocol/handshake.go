package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// NonceSize is the length of the random values exchanged during 3.4
// session key negotiation.
const NonceSize = 16

// NewNonce reads a nonce from r, or from crypto/rand when r is nil.
func NewNonce(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	n := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, n); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

// HandshakeDigest is HMAC-SHA256(key, data).
func HandshakeDigest(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// DeriveSessionKey computes AES-ECB(deviceKey, local XOR remote) without
// padding. Both nonces must be NonceSize bytes.
func DeriveSessionKey(deviceKey, local, remote []byte) ([]byte, error) {
	if len(local) != NonceSize || len(remote) != NonceSize {
		return nil, fmt.Errorf("session key: nonces must be %d bytes, got %d and %d", NonceSize, len(local), len(remote))
	}
	c, err := NewCipher(deviceKey)
	if err != nil {
		return nil, err
	}
	mixed := make([]byte, NonceSize)
	for i := range mixed {
		mixed[i] = local[i] ^ remote[i]
	}
	return c.EncryptECB(mixed, false)
}

// NegotiationResponse builds the device side SESS_KEY_NEG_RESP plaintext:
// the remote nonce followed by HMAC(deviceKey, local).
func NegotiationResponse(deviceKey, local, remote []byte) []byte {
	out := make([]byte, 0, NonceSize+sha256.Size)
	out = append(out, remote...)
	return append(out, HandshakeDigest(deviceKey, local)...)
}

// ParseNegotiationResponse verifies the device's proof of the local nonce
// and returns the device nonce.
func ParseNegotiationResponse(deviceKey, local, plain []byte) ([]byte, error) {
	if len(plain) < NonceSize+sha256.Size {
		return nil, fmt.Errorf("negotiation response: %d bytes, want %d", len(plain), NonceSize+sha256.Size)
	}
	remote := bytes.Clone(plain[:NonceSize])
	if !hmac.Equal(plain[NonceSize:NonceSize+sha256.Size], HandshakeDigest(deviceKey, local)) {
		return nil, ErrNonceDigest
	}
	return remote, nil
}
