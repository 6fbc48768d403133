package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// ErrSignFailed marks an attestation signing failure. Callers fall back to
// degraded attestation instead of aborting the prediction.
var ErrSignFailed = errors.New("ledger: sign failed")

// Signer holds the operator's ed25519 identity. The base58 public key is
// the operator address submitted alongside rounds.
type Signer struct {
	priv    ed25519.PrivateKey
	address string
}

// NewSigner derives the keypair from a 64-char hex seed. A 0x prefix is
// accepted.
func NewSigner(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		priv:    priv,
		address: base58.Encode(pub),
	}, nil
}

// Address is the base58-encoded public key.
func (s *Signer) Address() string { return s.address }

// Sign signs the canonical prediction message.
func (s *Signer) Sign(message string) ([]byte, error) {
	if s == nil || len(s.priv) == 0 {
		return nil, fmt.Errorf("%w: no key loaded", ErrSignFailed)
	}
	return ed25519.Sign(s.priv, []byte(message)), nil
}

// Verify checks a signature against the signer's public key. Used by tests
// and by operators auditing recorded rounds.
func (s *Signer) Verify(message string, sig []byte) bool {
	if s == nil || len(s.priv) == 0 {
		return false
	}
	return ed25519.Verify(s.priv.Public().(ed25519.PublicKey), []byte(message), sig)
}
