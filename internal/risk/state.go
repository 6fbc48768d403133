// Package risk implements the emergency-stop controller. It tracks rolling
// prediction outcomes and suppresses emission while the model is performing
// poorly.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// minAccuracySample is the number of settled predictions required before
// the low-accuracy trip can fire. Below it the lifetime ratio is too noisy
// to act on.
const minAccuracySample = 10

type Config struct {
	// MaxConsecutiveLosses trips the stop when the trailing run of
	// incorrect outcomes reaches it.
	MaxConsecutiveLosses int
	// EmergencyStopThreshold trips the stop when lifetime accuracy drops
	// below it (once minAccuracySample outcomes exist).
	EmergencyStopThreshold float64
	// RecoveryAccuracy is the lifetime accuracy required for automatic
	// recovery out of the stopped state.
	RecoveryAccuracy float64
}

// Stats is a consistent snapshot of the controller counters.
type Stats struct {
	TotalPredictions   int       `json:"total_predictions"`
	CorrectPredictions int       `json:"correct_predictions"`
	Accuracy           float64   `json:"accuracy"`
	ConsecutiveLosses  int       `json:"consecutive_losses"`
	EmergencyStop      bool      `json:"emergency_stop"`
	LastPredictionTime time.Time `json:"last_prediction_time"`
}

// State is the process-wide risk controller. One instance per engine,
// injected rather than global so tests construct their own.
type State struct {
	cfg Config

	mu                sync.RWMutex
	total             int
	correct           int
	consecutiveLosses int
	emergencyStop     bool
	lastPrediction    time.Time
}

func New(cfg Config) *State {
	return &State{cfg: cfg}
}

// Halted reports whether prediction emission is currently suppressed.
func (s *State) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergencyStop
}

// RecordPrediction accounts for a newly emitted prediction.
func (s *State) RecordPrediction(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.lastPrediction = ts
}

// RecordOutcome updates the counters for a settled prediction and
// re-evaluates the stop conditions. Returns whether the controller is
// halted after the update.
func (s *State) RecordOutcome(correct bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if correct {
		s.correct++
		s.consecutiveLosses = 0
	} else {
		s.consecutiveLosses++
	}
	s.evaluate()
	return s.emergencyStop
}

// Accuracy is correct/total, defined as 0.0 with no predictions. Callers
// reporting it must surface the total alongside so 0.0 is not read as
// "proven inaccurate".
func (s *State) Accuracy() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accuracyLocked()
}

func (s *State) accuracyLocked() float64 {
	if s.total == 0 {
		return 0.0
	}
	return float64(s.correct) / float64(s.total)
}

// evaluate applies the transition rules. Order matters: the loss-streak
// trip, then the low-accuracy trip, then automatic recovery.
func (s *State) evaluate() {
	if s.consecutiveLosses >= s.cfg.MaxConsecutiveLosses {
		if !s.emergencyStop {
			log.Warn().
				Int("consecutive_losses", s.consecutiveLosses).
				Msg("emergency stop: consecutive loss limit reached")
		}
		s.emergencyStop = true
		return
	}

	accuracy := s.accuracyLocked()
	if s.total >= minAccuracySample && accuracy < s.cfg.EmergencyStopThreshold {
		if !s.emergencyStop {
			log.Warn().
				Float64("accuracy", accuracy).
				Int("total_predictions", s.total).
				Msg("emergency stop: accuracy below threshold")
		}
		s.emergencyStop = true
		return
	}

	if s.emergencyStop && s.consecutiveLosses == 0 && accuracy >= s.cfg.RecoveryAccuracy {
		log.Info().
			Float64("accuracy", accuracy).
			Msg("emergency stop deactivated, conditions improved")
		s.emergencyStop = false
	}
}

// ResetEmergencyStop clears the stop and the loss streak. Lifetime totals
// are kept. Manual intervention only.
func (s *State) ResetEmergencyStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Info().Msg("emergency stop reset manually")
	s.emergencyStop = false
	s.consecutiveLosses = 0
}

// Snapshot returns all counters under one lock acquisition.
func (s *State) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalPredictions:   s.total,
		CorrectPredictions: s.correct,
		Accuracy:           s.accuracyLocked(),
		ConsecutiveLosses:  s.consecutiveLosses,
		EmergencyStop:      s.emergencyStop,
		LastPredictionTime: s.lastPrediction,
	}
}
