package metrics

// Wrapper adapts Metrics to the small interfaces the ml, learning and
// advisor packages declare, keeping those packages free of a direct
// Prometheus dependency.
type Wrapper struct {
	m *Metrics
}

// NewWrapper wraps the given metrics.
func NewWrapper(m *Metrics) *Wrapper {
	return &Wrapper{m: m}
}

func (w *Wrapper) AnalysesInc()                { w.m.AnalysesTotal.Inc() }
func (w *Wrapper) RuleOnlyInc()                { w.m.RuleOnlyTotal.Inc() }
func (w *Wrapper) FinalScoreObserve(v float64) { w.m.FinalScores.Observe(v) }

func (w *Wrapper) MLPredictionsInc()                   { w.m.MLPredictions.Inc() }
func (w *Wrapper) MLFailuresInc()                      { w.m.MLFailures.Inc() }
func (w *Wrapper) MLLatencyObserve(v float64)          { w.m.MLLatency.Observe(v) }
func (w *Wrapper) MLPredictionScoresObserve(v float64) { w.m.MLPredictionScores.Observe(v) }

func (w *Wrapper) FeedbackAcceptedInc() { w.m.FeedbackAccepted.Inc() }
func (w *Wrapper) FeedbackRejectedInc() { w.m.FeedbackRejected.Inc() }

func (w *Wrapper) TrainingCyclesInc()   { w.m.TrainingCycles.Inc() }
func (w *Wrapper) TrainingFailuresInc() { w.m.TrainingFailures.Inc() }
func (w *Wrapper) PromotionsInc()       { w.m.Promotions.Inc() }
func (w *Wrapper) RejectionsInc()       { w.m.Rejections.Inc() }

func (w *Wrapper) BufferSizeSet(v float64)        { w.m.BufferSize.Set(v) }
func (w *Wrapper) ActiveModelMetricSet(v float64) { w.m.ActiveModelMetric.Set(v) }
