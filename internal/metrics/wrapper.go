package metrics

// Wrapper adapts Metrics to the narrow method sets the engine and the
// classifier accept, so those packages depend on small interfaces instead
// of prometheus types.
type Wrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *Wrapper {
	return &Wrapper{m: m}
}

func (w *Wrapper) PredictionEmitted(confidence float64) {
	w.m.PredictionsTotal.Inc()
	w.m.PredictionConfidence.Observe(confidence)
}

func (w *Wrapper) CycleSkipped(reason string) {
	w.m.CyclesSkipped.WithLabelValues(reason).Inc()
}

func (w *Wrapper) ManualOverrideServed() {
	w.m.ManualOverrides.Inc()
}

func (w *Wrapper) CycleDurationObserve(seconds float64) {
	w.m.CycleDuration.Observe(seconds)
}

func (w *Wrapper) AttestationFallback() {
	w.m.AttestationFallbacks.Inc()
}

func (w *Wrapper) LedgerSubmitFailed() {
	w.m.LedgerSubmitFailures.Inc()
}

func (w *Wrapper) UnknownRoundOutcome() {
	w.m.UnknownRoundOutcomes.Inc()
}

func (w *Wrapper) OutcomeRecorded(correct bool) {
	result := "incorrect"
	if correct {
		result = "correct"
	}
	w.m.OutcomesTotal.WithLabelValues(result).Inc()
}

func (w *Wrapper) RiskStateSet(halted bool, accuracy float64, consecutiveLosses int) {
	if halted {
		w.m.EmergencyStop.Set(1)
	} else {
		w.m.EmergencyStop.Set(0)
	}
	w.m.Accuracy.Set(accuracy)
	w.m.ConsecutiveLosses.Set(float64(consecutiveLosses))
}

func (w *Wrapper) ClassifierLatencyObserve(seconds float64) {
	w.m.ClassifierLatency.Observe(seconds)
}

func (w *Wrapper) ModelAgeSet(seconds float64) {
	w.m.ModelAge.Set(seconds)
}

func (w *Wrapper) WSReconnect() {
	w.m.WSReconnects.Inc()
}

func (w *Wrapper) TickReceived() {
	w.m.TicksReceived.Inc()
}
