// Package engine orchestrates the prediction cycle: fetch a feature
// window, classify it, gate on confidence and risk state, attest, submit
// the round to the ledger and record the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"predix-engine/internal/attest"
	"predix-engine/internal/features"
	"predix-engine/internal/history"
	"predix-engine/internal/ml"
	"predix-engine/internal/prediction"
	"predix-engine/internal/risk"
	"predix-engine/internal/storage"
)

// ErrUnknownRound signals an outcome update for a round not in the
// retained history.
var ErrUnknownRound = errors.New("engine: unknown round")

// FeatureProvider supplies the classifier input window.
type FeatureProvider interface {
	FetchWindow(ctx context.Context) (features.Window, error)
}

// Classifier scores a window into a direction and confidence.
type Classifier interface {
	Predict(ctx context.Context, w features.Window) (prediction.Direction, float64, error)
	ModelVersion() string
}

// RoundSubmitter registers predictions with the external round ledger.
type RoundSubmitter interface {
	SubmitRound(ctx context.Context, dir prediction.Direction, signatureHash string) (int64, error)
}

// Recorder persists the prediction trail. Optional; persistence failures
// never block the cycle.
type Recorder interface {
	StorePrediction(p prediction.Result) error
	StoreOutcome(o storage.Outcome) error
}

// Metrics is the subset of instrumentation the engine reports. Optional.
type Metrics interface {
	PredictionEmitted(confidence float64)
	CycleSkipped(reason string)
	ManualOverrideServed()
	CycleDurationObserve(seconds float64)
	AttestationFallback()
	LedgerSubmitFailed()
	UnknownRoundOutcome()
	OutcomeRecorded(correct bool)
	RiskStateSet(halted bool, accuracy float64, consecutiveLosses int)
}

type Config struct {
	SequenceLength      int
	FeatureCount        int
	ConfidenceThreshold float64
}

// Deps carries the engine's collaborators. Provider, Classifier and Risk
// are required; Signer, Ledger, Store and Metrics may be nil.
type Deps struct {
	Provider FeatureProvider
	Classify Classifier
	Signer   attest.Signer
	Ledger   RoundSubmitter
	Risk     *risk.State
	History  *history.Ring
	Store    Recorder
	Metrics  Metrics
}

type Engine struct {
	cfg  Config
	deps Deps

	inFlight atomic.Bool
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Provider == nil || deps.Classify == nil || deps.Risk == nil {
		return nil, fmt.Errorf("engine requires a provider, classifier and risk state")
	}
	if deps.History == nil {
		deps.History = history.NewRing(history.DefaultCapacity)
	}
	return &Engine{cfg: cfg, deps: deps}, nil
}

// GeneratePrediction runs one prediction cycle. A nil result with a nil
// error means the cycle was skipped; the skip reason is logged and
// counted. Only infrastructure failures surface as errors.
func (e *Engine) GeneratePrediction(ctx context.Context) (*prediction.Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.skip("in_flight")
		return nil, nil
	}
	defer e.inFlight.Store(false)

	start := time.Now()
	defer func() {
		if e.deps.Metrics != nil {
			e.deps.Metrics.CycleDurationObserve(time.Since(start).Seconds())
		}
	}()

	if e.deps.Risk.Halted() {
		e.skip("emergency_stop")
		return nil, nil
	}

	w, err := e.deps.Provider.FetchWindow(ctx)
	if err != nil {
		if errors.Is(err, features.ErrInsufficientData) {
			e.skip("insufficient_data")
			return nil, nil
		}
		return nil, fmt.Errorf("fetch window: %w", err)
	}

	dir, conf, err := e.deps.Classify.Predict(ctx, w)
	if err != nil {
		if errors.Is(err, ml.ErrModelNotReady) {
			e.skip("model_not_ready")
			return nil, nil
		}
		return nil, fmt.Errorf("classify window: %w", err)
	}

	if conf < e.cfg.ConfidenceThreshold {
		log.Debug().
			Float64("confidence", conf).
			Float64("threshold", e.cfg.ConfidenceThreshold).
			Msg("confidence below threshold, skipping cycle")
		e.skip("low_confidence")
		return nil, nil
	}

	res := e.assemble(ctx, dir, conf, w)

	e.deps.Risk.RecordPrediction(res.Timestamp)
	snap := e.deps.Risk.Snapshot()
	res.Metadata.TotalPredictions = snap.TotalPredictions
	res.Metadata.ConsecutiveLosses = snap.ConsecutiveLosses
	res.Metadata.Accuracy = snap.Accuracy

	e.deps.History.Append(*res)
	if e.deps.Store != nil {
		if err := e.deps.Store.StorePrediction(*res); err != nil {
			log.Warn().Err(err).Int64("round_id", res.RoundID).Msg("persisting prediction failed")
		}
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.PredictionEmitted(res.Confidence)
		e.deps.Metrics.RiskStateSet(snap.EmergencyStop, snap.Accuracy, snap.ConsecutiveLosses)
	}

	log.Info().
		Str("direction", res.Direction.String()).
		Float64("confidence", res.Confidence).
		Int64("round_id", res.RoundID).
		Bool("degraded_attestation", res.Metadata.DegradedAttestation).
		Msg("prediction emitted")
	return res, nil
}

// defaultOverrideConfidence is recorded when the operator does not supply
// a confidence with the override.
const defaultOverrideConfidence = 0.9

// ManualOverride serves an operator-requested prediction outside the
// normal cycle. The direction comes from the operator; a non-positive
// confidence defaults to 0.9. The result carries a synthetic feature
// window, is attested like a real prediction, but is neither submitted to
// the ledger nor counted in history or risk statistics. It works even
// while the emergency stop is active.
func (e *Engine) ManualOverride(ctx context.Context, dir prediction.Direction, confidence float64) (*prediction.Result, error) {
	if confidence <= 0 {
		confidence = defaultOverrideConfidence
	}
	if confidence > 1 {
		return nil, fmt.Errorf("override confidence %v out of range (0,1]", confidence)
	}

	w := features.Placeholder(e.cfg.SequenceLength, e.cfg.FeatureCount)
	res := e.assembleOffLedger(dir, confidence, w)
	res.Metadata.ManualOverride = true

	snap := e.deps.Risk.Snapshot()
	res.Metadata.TotalPredictions = snap.TotalPredictions
	res.Metadata.ConsecutiveLosses = snap.ConsecutiveLosses
	res.Metadata.Accuracy = snap.Accuracy

	if e.deps.Metrics != nil {
		e.deps.Metrics.ManualOverrideServed()
	}
	log.Info().
		Str("direction", res.Direction.String()).
		Float64("confidence", res.Confidence).
		Msg("manual override served")
	return res, nil
}

// assemble attests the prediction and, when a ledger is configured,
// registers the round. A failed submission leaves round ID 0; the
// prediction is still recorded.
func (e *Engine) assemble(ctx context.Context, dir prediction.Direction, conf float64, w features.Window) *prediction.Result {
	res := e.assembleOffLedger(dir, conf, w)

	if e.deps.Ledger != nil {
		roundID, err := e.deps.Ledger.SubmitRound(ctx, dir, res.SignatureHash)
		if err != nil {
			log.Warn().Err(err).Msg("ledger submission failed, recording round 0")
			if e.deps.Metrics != nil {
				e.deps.Metrics.LedgerSubmitFailed()
			}
		} else {
			res.RoundID = roundID
		}
	}
	return res
}

func (e *Engine) assembleOffLedger(dir prediction.Direction, conf float64, w features.Window) *prediction.Result {
	ts := time.Now().UTC()
	featuresHash := attest.FeaturesHash(w)
	sigHash, degraded := attest.Attest(e.deps.Signer, dir, ts, featuresHash)
	if degraded && e.deps.Metrics != nil {
		e.deps.Metrics.AttestationFallback()
	}

	return &prediction.Result{
		Direction:     dir,
		Confidence:    conf,
		Timestamp:     ts,
		FeaturesHash:  featuresHash,
		SignatureHash: sigHash,
		ModelVersion:  e.deps.Classify.ModelVersion(),
		Metadata: prediction.Metadata{
			FeatureCount:        w.Cols(),
			DegradedAttestation: degraded,
		},
	}
}

// UpdatePredictionOutcome settles a round against the actual market
// direction and re-evaluates the risk state. Correctness is derived here
// by comparing the recorded prediction with the actual outcome.
func (e *Engine) UpdatePredictionOutcome(roundID int64, actual prediction.Direction) error {
	p, ok := e.deps.History.FindByRound(roundID)
	if !ok {
		if e.deps.Metrics != nil {
			e.deps.Metrics.UnknownRoundOutcome()
		}
		return fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
	}

	correct := p.Direction == actual
	halted := e.deps.Risk.RecordOutcome(correct)
	snap := e.deps.Risk.Snapshot()

	if e.deps.Store != nil {
		o := storage.Outcome{RoundID: roundID, Correct: correct, Ts: time.Now().UTC()}
		if err := e.deps.Store.StoreOutcome(o); err != nil {
			log.Warn().Err(err).Int64("round_id", roundID).Msg("persisting outcome failed")
		}
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.OutcomeRecorded(correct)
		e.deps.Metrics.RiskStateSet(halted, snap.Accuracy, snap.ConsecutiveLosses)
	}

	log.Info().
		Int64("round_id", roundID).
		Str("predicted", p.Direction.String()).
		Str("actual", actual.String()).
		Bool("correct", correct).
		Bool("emergency_stop", halted).
		Msg("outcome recorded")
	return nil
}

// Stats is the engine's externally visible state.
type Stats struct {
	risk.Stats
	ModelVersion  string `json:"model_version"`
	HistoryLength int    `json:"history_length"`
}

func (e *Engine) GetStats() Stats {
	return Stats{
		Stats:         e.deps.Risk.Snapshot(),
		ModelVersion:  e.deps.Classify.ModelVersion(),
		HistoryLength: e.deps.History.Len(),
	}
}

// GetRecentPredictions returns up to limit retained predictions, newest
// last.
func (e *Engine) GetRecentPredictions(limit int) []prediction.Result {
	return e.deps.History.Recent(limit)
}

// ResetEmergencyStop clears the stop manually. Lifetime statistics are
// preserved.
func (e *Engine) ResetEmergencyStop() {
	e.deps.Risk.ResetEmergencyStop()
	if e.deps.Metrics != nil {
		snap := e.deps.Risk.Snapshot()
		e.deps.Metrics.RiskStateSet(snap.EmergencyStop, snap.Accuracy, snap.ConsecutiveLosses)
	}
}

func (e *Engine) skip(reason string) {
	log.Debug().Str("reason", reason).Msg("prediction cycle skipped")
	if e.deps.Metrics != nil {
		e.deps.Metrics.CycleSkipped(reason)
	}
}
