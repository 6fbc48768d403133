// Package attest produces the tamper-evidence trail attached to every
// prediction: a hash of the exact feature window and a hash of a signature
// over the prediction message.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"predix-engine/internal/features"
	"predix-engine/internal/prediction"
)

// Signer signs the canonical prediction message. Implementations must be
// safe for concurrent use.
type Signer interface {
	Sign(message string) ([]byte, error)
}

// FeaturesHash hashes the window's stable byte encoding. Two predictions
// share a hash iff they were computed from identical input.
func FeaturesHash(w features.Window) string {
	sum := sha256.Sum256(w.RawBytes())
	return hex.EncodeToString(sum[:])
}

// CanonicalMessage is the signed payload: direction code, RFC 3339
// nanosecond UTC timestamp and the features hash, concatenated without
// separators. Changing this format invalidates every recorded attestation.
func CanonicalMessage(dir prediction.Direction, ts time.Time, featuresHash string) string {
	return fmt.Sprintf("%d%s%s", dir, ts.UTC().Format(time.RFC3339Nano), featuresHash)
}

// Attest signs the canonical message and returns the hex SHA-256 of the
// signature. When signing fails (or no signer is configured) it degrades to
// hashing the message itself and reports degraded=true; a prediction is
// never dropped over attestation.
func Attest(s Signer, dir prediction.Direction, ts time.Time, featuresHash string) (sigHash string, degraded bool) {
	msg := CanonicalMessage(dir, ts, featuresHash)
	if s != nil {
		sig, err := s.Sign(msg)
		if err == nil {
			sum := sha256.Sum256(sig)
			return hex.EncodeToString(sum[:]), false
		}
		log.Warn().Err(err).Msg("signing failed, falling back to message hash")
	}
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:]), true
}
