package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"predix-engine/internal/features"
	"predix-engine/internal/history"
	"predix-engine/internal/ml"
	"predix-engine/internal/prediction"
	"predix-engine/internal/risk"
	"predix-engine/internal/storage"
)

type fakeProvider struct {
	window features.Window
	err    error
	calls  int
	block  chan struct{}
}

func (f *fakeProvider) FetchWindow(ctx context.Context) (features.Window, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	return f.window, f.err
}

type fakeClassifier struct {
	dir     prediction.Direction
	conf    float64
	err     error
	version string
	calls   int
}

func (f *fakeClassifier) Predict(ctx context.Context, w features.Window) (prediction.Direction, float64, error) {
	f.calls++
	return f.dir, f.conf, f.err
}

func (f *fakeClassifier) ModelVersion() string {
	if f.version == "" {
		return "v1.0_test"
	}
	return f.version
}

type fakeLedger struct {
	roundID int64
	err     error
	calls   int
}

func (f *fakeLedger) SubmitRound(ctx context.Context, dir prediction.Direction, sigHash string) (int64, error) {
	f.calls++
	return f.roundID, f.err
}

type fakeSigner struct{ err error }

func (f *fakeSigner) Sign(message string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("sig:" + message), nil
}

type fakeStore struct {
	mu          sync.Mutex
	predictions []prediction.Result
	outcomes    []storage.Outcome
}

func (f *fakeStore) StorePrediction(p prediction.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictions = append(f.predictions, p)
	return nil
}

func (f *fakeStore) StoreOutcome(o storage.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	emitted   int
	skips     map[string]int
	overrides int
	fallbacks int
	ledgerErr int
	unknown   int
	outcomes  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{skips: make(map[string]int)}
}

func (f *fakeMetrics) PredictionEmitted(float64) { f.mu.Lock(); f.emitted++; f.mu.Unlock() }
func (f *fakeMetrics) CycleSkipped(reason string) {
	f.mu.Lock()
	f.skips[reason]++
	f.mu.Unlock()
}
func (f *fakeMetrics) ManualOverrideServed()            { f.mu.Lock(); f.overrides++; f.mu.Unlock() }
func (f *fakeMetrics) CycleDurationObserve(float64)     {}
func (f *fakeMetrics) AttestationFallback()             { f.mu.Lock(); f.fallbacks++; f.mu.Unlock() }
func (f *fakeMetrics) LedgerSubmitFailed()              { f.mu.Lock(); f.ledgerErr++; f.mu.Unlock() }
func (f *fakeMetrics) UnknownRoundOutcome()             { f.mu.Lock(); f.unknown++; f.mu.Unlock() }
func (f *fakeMetrics) OutcomeRecorded(bool)             { f.mu.Lock(); f.outcomes++; f.mu.Unlock() }
func (f *fakeMetrics) RiskStateSet(bool, float64, int)  {}

func (f *fakeMetrics) skipCount(reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skips[reason]
}

func testConfig() Config {
	return Config{SequenceLength: 10, FeatureCount: 4, ConfidenceThreshold: 0.6}
}

func testDeps(p *fakeProvider, c *fakeClassifier, l *fakeLedger, m *fakeMetrics) Deps {
	d := Deps{
		Provider: p,
		Classify: c,
		Signer:   &fakeSigner{},
		Risk:     risk.New(risk.Config{MaxConsecutiveLosses: 3, EmergencyStopThreshold: 0.3, RecoveryAccuracy: 0.6}),
		History:  history.NewRing(100),
	}
	if l != nil {
		d.Ledger = l
	}
	if m != nil {
		d.Metrics = m
	}
	return d
}

func TestGeneratePrediction(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{window: features.Placeholder(10, 4)}
	classifier := &fakeClassifier{dir: prediction.Down, conf: 0.82}
	ledger := &fakeLedger{roundID: 55}
	metrics := newFakeMetrics()
	store := &fakeStore{}

	deps := testDeps(provider, classifier, ledger, metrics)
	deps.Store = store
	e, err := New(testConfig(), deps)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	res, err := e.GeneratePrediction(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatal("expected a prediction")
	}
	if res.Direction != prediction.Down || res.Confidence != 0.82 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.RoundID != 55 {
		t.Errorf("expected round 55, got %d", res.RoundID)
	}
	if res.FeaturesHash == "" || res.SignatureHash == "" {
		t.Error("attestation hashes must be set")
	}
	if res.Metadata.DegradedAttestation {
		t.Error("working signer must not degrade")
	}
	if res.ModelVersion != "v1.0_test" {
		t.Errorf("unexpected model version %q", res.ModelVersion)
	}
	if res.Metadata.TotalPredictions != 1 {
		t.Errorf("metadata must reflect the counted prediction, got %d", res.Metadata.TotalPredictions)
	}
	if res.Metadata.FeatureCount != 4 {
		t.Errorf("expected feature count 4, got %d", res.Metadata.FeatureCount)
	}

	if got := e.GetRecentPredictions(0); len(got) != 1 || got[0].RoundID != 55 {
		t.Error("prediction must be appended to history")
	}
	if len(store.predictions) != 1 {
		t.Error("prediction must be persisted")
	}
	if metrics.emitted != 1 {
		t.Errorf("expected 1 emitted metric, got %d", metrics.emitted)
	}
}

func TestSkipWhenHalted(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{window: features.Placeholder(10, 4)}
	classifier := &fakeClassifier{dir: prediction.Up, conf: 0.9}
	metrics := newFakeMetrics()
	deps := testDeps(provider, classifier, &fakeLedger{roundID: 1}, metrics)
	e, _ := New(testConfig(), deps)

	for i := 0; i < 3; i++ {
		deps.Risk.RecordPrediction(time.Now())
		deps.Risk.RecordOutcome(false)
	}
	if !deps.Risk.Halted() {
		t.Fatal("expected halt")
	}

	res, err := e.GeneratePrediction(context.Background())
	if err != nil || res != nil {
		t.Fatalf("expected silent skip, got res=%v err=%v", res, err)
	}
	if provider.calls != 0 {
		t.Error("halted engine must not fetch data")
	}
	if metrics.skipCount("emergency_stop") != 1 {
		t.Error("skip must be counted under emergency_stop")
	}
}

func TestSkipReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		provider   *fakeProvider
		classifier *fakeClassifier
		reason     string
	}{
		{
			name:       "insufficient data",
			provider:   &fakeProvider{err: features.ErrInsufficientData},
			classifier: &fakeClassifier{conf: 0.9},
			reason:     "insufficient_data",
		},
		{
			name:       "model not ready",
			provider:   &fakeProvider{window: features.Placeholder(10, 4)},
			classifier: &fakeClassifier{err: ml.ErrModelNotReady},
			reason:     "model_not_ready",
		},
		{
			name:       "low confidence",
			provider:   &fakeProvider{window: features.Placeholder(10, 4)},
			classifier: &fakeClassifier{dir: prediction.Up, conf: 0.59},
			reason:     "low_confidence",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			metrics := newFakeMetrics()
			ledger := &fakeLedger{roundID: 1}
			e, _ := New(testConfig(), testDeps(tt.provider, tt.classifier, ledger, metrics))

			res, err := e.GeneratePrediction(context.Background())
			if err != nil || res != nil {
				t.Fatalf("expected silent skip, got res=%v err=%v", res, err)
			}
			if metrics.skipCount(tt.reason) != 1 {
				t.Errorf("expected skip reason %q counted once", tt.reason)
			}
			if ledger.calls != 0 {
				t.Error("skipped cycle must not reach the ledger")
			}
			if got := e.GetRecentPredictions(0); len(got) != 0 {
				t.Error("skipped cycle must not enter history")
			}
		})
	}
}

func TestInfrastructureErrorsSurface(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("connection refused")}
	e, _ := New(testConfig(), testDeps(provider, &fakeClassifier{conf: 0.9}, nil, nil))
	if _, err := e.GeneratePrediction(context.Background()); err == nil {
		t.Fatal("provider infrastructure error must surface")
	}

	classifier := &fakeClassifier{err: errors.New("subprocess crashed")}
	e2, _ := New(testConfig(), testDeps(&fakeProvider{window: features.Placeholder(10, 4)}, classifier, nil, nil))
	if _, err := e2.GeneratePrediction(context.Background()); err == nil {
		t.Fatal("classifier infrastructure error must surface")
	}
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	provider := &fakeProvider{window: features.Placeholder(10, 4), block: block}
	classifier := &fakeClassifier{dir: prediction.Up, conf: 0.9}
	metrics := newFakeMetrics()
	e, _ := New(testConfig(), testDeps(provider, classifier, &fakeLedger{roundID: 1}, metrics))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.GeneratePrediction(context.Background())
	}()

	// Wait until the first cycle holds the flight lock inside FetchWindow.
	for i := 0; provider.calls == 0 && i < 100; i++ {
		time.Sleep(time.Millisecond)
	}

	res, err := e.GeneratePrediction(context.Background())
	if err != nil || res != nil {
		t.Fatalf("concurrent cycle must skip, got res=%v err=%v", res, err)
	}
	if metrics.skipCount("in_flight") != 1 {
		t.Error("skip must be counted under in_flight")
	}

	close(block)
	<-done
	if metrics.emitted != 1 {
		t.Errorf("first cycle must complete, emitted=%d", metrics.emitted)
	}
}

func TestLedgerFailureKeepsPrediction(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{window: features.Placeholder(10, 4)}
	classifier := &fakeClassifier{dir: prediction.Up, conf: 0.75}
	ledger := &fakeLedger{err: errors.New("ledger down")}
	metrics := newFakeMetrics()
	e, _ := New(testConfig(), testDeps(provider, classifier, ledger, metrics))

	res, err := e.GeneratePrediction(context.Background())
	if err != nil {
		t.Fatalf("ledger failure must not fail the cycle: %v", err)
	}
	if res == nil {
		t.Fatal("expected a prediction")
	}
	if res.RoundID != 0 {
		t.Errorf("failed submission must leave round 0, got %d", res.RoundID)
	}
	if metrics.ledgerErr != 1 {
		t.Error("ledger failure must be counted")
	}
	if got := e.GetRecentPredictions(0); len(got) != 1 {
		t.Error("prediction must still be recorded")
	}
}

func TestDegradedAttestation(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{window: features.Placeholder(10, 4)}
	classifier := &fakeClassifier{dir: prediction.Up, conf: 0.8}
	metrics := newFakeMetrics()
	deps := testDeps(provider, classifier, &fakeLedger{roundID: 9}, metrics)
	deps.Signer = nil
	e, _ := New(testConfig(), deps)

	res, err := e.GeneratePrediction(context.Background())
	if err != nil || res == nil {
		t.Fatalf("unexpected res=%v err=%v", res, err)
	}
	if !res.Metadata.DegradedAttestation {
		t.Error("missing signer must mark attestation degraded")
	}
	if res.SignatureHash == "" {
		t.Error("degraded attestation still carries a hash")
	}
	if metrics.fallbacks != 1 {
		t.Error("fallback must be counted")
	}
}

func TestOutcomeFlow(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{window: features.Placeholder(10, 4)}
	classifier := &fakeClassifier{dir: prediction.Up, conf: 0.8}
	ledger := &fakeLedger{roundID: 100}
	metrics := newFakeMetrics()
	store := &fakeStore{}
	deps := testDeps(provider, classifier, ledger, metrics)
	deps.Store = store
	e, _ := New(testConfig(), deps)

	// Three predictions, three losses: trips the stop on the third.
	for i := int64(0); i < 3; i++ {
		ledger.roundID = 100 + i
		if res, err := e.GeneratePrediction(context.Background()); err != nil || res == nil {
			t.Fatalf("cycle %d: res=%v err=%v", i, res, err)
		}
	}
	// Every prediction said UP; the market went DOWN three times.
	for i := int64(0); i < 3; i++ {
		if err := e.UpdatePredictionOutcome(100+i, prediction.Down); err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
	}

	stats := e.GetStats()
	if !stats.EmergencyStop {
		t.Error("three losses must trip the stop")
	}
	if stats.ConsecutiveLosses != 3 || stats.TotalPredictions != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(store.outcomes) != 3 {
		t.Errorf("expected 3 persisted outcomes, got %d", len(store.outcomes))
	}

	// Manual reset clears the stop but keeps totals.
	e.ResetEmergencyStop()
	stats = e.GetStats()
	if stats.EmergencyStop || stats.ConsecutiveLosses != 0 {
		t.Error("reset must clear stop and streak")
	}
	if stats.TotalPredictions != 3 {
		t.Error("reset must keep lifetime totals")
	}
}

func TestUnknownRound(t *testing.T) {
	t.Parallel()

	metrics := newFakeMetrics()
	e, _ := New(testConfig(), testDeps(&fakeProvider{}, &fakeClassifier{}, nil, metrics))

	if err := e.UpdatePredictionOutcome(12345, prediction.Up); !errors.Is(err, ErrUnknownRound) {
		t.Fatalf("expected ErrUnknownRound, got %v", err)
	}
	if metrics.unknown != 1 {
		t.Error("unknown round must be counted")
	}
	stats := e.GetStats()
	if stats.TotalPredictions != 0 || stats.ConsecutiveLosses != 0 {
		t.Error("unknown round must not touch risk counters")
	}
}

func TestManualOverride(t *testing.T) {
	t.Parallel()

	metrics := newFakeMetrics()
	ledger := &fakeLedger{roundID: 7}
	e, _ := New(testConfig(), testDeps(&fakeProvider{}, &fakeClassifier{}, ledger, metrics))

	res, err := e.ManualOverride(context.Background(), prediction.Down, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Direction != prediction.Down {
		t.Errorf("override must carry the requested direction, got %s", res.Direction)
	}
	if res.Confidence != 0.9 {
		t.Errorf("omitted confidence must default to 0.9, got %f", res.Confidence)
	}
	if !res.Metadata.ManualOverride {
		t.Error("override flag must be set")
	}
	if res.FeaturesHash == "" || res.SignatureHash == "" {
		t.Error("override must still be attested")
	}
	if res.RoundID != 0 {
		t.Error("override must not be submitted to the ledger")
	}
	if ledger.calls != 0 {
		t.Error("override must not call the ledger")
	}
	if e.GetStats().TotalPredictions != 0 {
		t.Error("override must not count as a prediction")
	}
	if len(e.GetRecentPredictions(0)) != 0 {
		t.Error("override must not enter history")
	}
	if metrics.overrides != 1 {
		t.Error("override must be counted")
	}

	res, err = e.ManualOverride(context.Background(), prediction.Up, 0.7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Direction != prediction.Up || res.Confidence != 0.7 {
		t.Errorf("explicit direction and confidence must be honored, got %s %f", res.Direction, res.Confidence)
	}

	if _, err := e.ManualOverride(context.Background(), prediction.Up, 1.5); err == nil {
		t.Error("confidence above 1 must be rejected")
	}
}

func TestManualOverrideWhileHalted(t *testing.T) {
	t.Parallel()

	metrics := newFakeMetrics()
	deps := testDeps(&fakeProvider{}, &fakeClassifier{}, nil, metrics)
	e, _ := New(testConfig(), deps)

	for i := 0; i < 3; i++ {
		deps.Risk.RecordPrediction(time.Now())
		deps.Risk.RecordOutcome(false)
	}
	if !deps.Risk.Halted() {
		t.Fatal("expected halt")
	}

	res, err := e.ManualOverride(context.Background(), prediction.Up, 0)
	if err != nil {
		t.Fatalf("override must work while halted: %v", err)
	}
	if res.Direction != prediction.Up || res.Confidence != 0.9 {
		t.Errorf("unexpected override %s %f", res.Direction, res.Confidence)
	}
	if res.FeaturesHash == "" || res.SignatureHash == "" {
		t.Error("halted override must still be attested")
	}
	if !e.GetStats().EmergencyStop {
		t.Error("override must leave the stop untouched")
	}
}

func TestOutcomeCorrectnessDerivation(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{window: features.Placeholder(10, 4)}
	classifier := &fakeClassifier{dir: prediction.Down, conf: 0.8}
	ledger := &fakeLedger{roundID: 42}
	e, _ := New(testConfig(), testDeps(provider, classifier, ledger, newFakeMetrics()))

	if res, err := e.GeneratePrediction(context.Background()); err != nil || res == nil {
		t.Fatalf("generate: res=%v err=%v", res, err)
	}

	// Prediction said DOWN and the market went DOWN: a correct call.
	if err := e.UpdatePredictionOutcome(42, prediction.Down); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	stats := e.GetStats()
	if stats.CorrectPredictions != 1 || stats.ConsecutiveLosses != 0 {
		t.Errorf("matching direction must count as correct, got %+v", stats)
	}

	ledger.roundID = 43
	if res, err := e.GeneratePrediction(context.Background()); err != nil || res == nil {
		t.Fatalf("generate: res=%v err=%v", res, err)
	}
	if err := e.UpdatePredictionOutcome(43, prediction.Up); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	stats = e.GetStats()
	if stats.CorrectPredictions != 1 || stats.ConsecutiveLosses != 1 {
		t.Errorf("mismatched direction must count as a loss, got %+v", stats)
	}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	t.Parallel()

	if _, err := New(testConfig(), Deps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
