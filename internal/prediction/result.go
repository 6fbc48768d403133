// Package prediction defines the records shared between the orchestrator,
// the bounded history, persistence and the API surface.
package prediction

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the binary market call. The wire encoding (0=UP, 1=DOWN)
// matches what the ledger relay expects and must not change.
type Direction int

const (
	Up   Direction = 0
	Down Direction = 1
)

func (d Direction) String() string {
	if d == Up {
		return "UP"
	}
	return "DOWN"
}

// ParseDirection accepts the string form used by the API layer.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP", "0":
		return Up, nil
	case "DOWN", "1":
		return Down, nil
	}
	return Up, fmt.Errorf("invalid direction %q", s)
}

// Metadata is a snapshot of the risk counters at creation time plus the
// flags that describe how the result was produced.
type Metadata struct {
	TotalPredictions    int     `json:"total_predictions"`
	ConsecutiveLosses   int     `json:"consecutive_losses"`
	Accuracy            float64 `json:"accuracy"`
	FeatureCount        int     `json:"feature_count"`
	DegradedAttestation bool    `json:"degraded_attestation,omitempty"`
	ManualOverride      bool    `json:"manual_override,omitempty"`
}

// Result is an attested prediction. Immutable once built; the history ring
// owns appended results by value.
type Result struct {
	Direction     Direction `json:"direction"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
	FeaturesHash  string    `json:"features_hash"`
	SignatureHash string    `json:"signature_hash"`
	ModelVersion  string    `json:"model_version"`
	RoundID       int64     `json:"round_id,omitempty"`
	Metadata      Metadata  `json:"metadata"`
}
