// Package learning runs the online improvement loop: it validates and
// buffers user feedback, periodically fits a candidate predictor,
// validates it against the active model on a fixed holdout set, and
// promotes it through a single atomic swap. Live inference is never
// touched by a failed or rejected cycle.
package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"shuttle-coach/internal/features"
	"shuttle-coach/internal/ml"
	"shuttle-coach/internal/store"
)

// State names the observable phases of the learning loop.
type State string

const (
	StateIdle         State = "idle"
	StateAccumulating State = "accumulating"
	StateTraining     State = "training"
	StateValidating   State = "validating"
	StatePromoted     State = "promoted"
	StateRejected     State = "rejected"
)

// RetentionPolicy selects how records used by a promoted model are
// carried into future training sets.
type RetentionPolicy string

const (
	RetentionSliding    RetentionPolicy = "sliding"
	RetentionCumulative RetentionPolicy = "cumulative"
)

// ValidationError rejects malformed feedback synchronously.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "invalid feedback: " + e.Reason }

// TrainingError wraps a failed training or validation step. The
// feedback buffer and active model are untouched when it is returned.
type TrainingError struct{ Cause error }

func (e *TrainingError) Error() string { return "training failed: " + e.Cause.Error() }
func (e *TrainingError) Unwrap() error { return e.Cause }

// TrainingTimeoutError reports a cycle aborted by the training budget.
type TrainingTimeoutError struct{ Budget time.Duration }

func (e *TrainingTimeoutError) Error() string {
	return fmt.Sprintf("training exceeded budget of %v", e.Budget)
}

// Config tunes the learning loop. All fields have defaults.
type Config struct {
	RetrainThreshold    int              `yaml:"retrainThreshold"`
	RetrainInterval     time.Duration    `yaml:"retrainInterval"`
	MinImprovement      float64          `yaml:"minImprovement"`
	Retention           RetentionPolicy  `yaml:"retention"`
	RetentionWindow     int              `yaml:"retentionWindow"`
	MaxTrainingDuration time.Duration    `yaml:"maxTrainingDuration"`
	HoldoutEvery        int              `yaml:"holdoutEvery"`
	HoldoutSize         int              `yaml:"holdoutSize"`
	FeedbackWeightDecay float64          `yaml:"feedbackWeightDecay"`
	Trainer             ml.TrainerConfig `yaml:"trainer"`
}

func DefaultConfig() Config {
	return Config{
		RetrainThreshold:    50,
		RetrainInterval:     24 * time.Hour,
		MinImprovement:      0.01,
		Retention:           RetentionSliding,
		RetentionWindow:     500,
		MaxTrainingDuration: 2 * time.Minute,
		HoldoutEvery:        5,
		HoldoutSize:         40,
		FeedbackWeightDecay: 0.95,
		Trainer:             ml.DefaultTrainerConfig(),
	}
}

// MetricsInterface defines the metrics hooks the manager needs.
type MetricsInterface interface {
	FeedbackAcceptedInc()
	FeedbackRejectedInc()
	TrainingCyclesInc()
	TrainingFailuresInc()
	PromotionsInc()
	RejectionsInc()
	BufferSizeSet(float64)
	ActiveModelMetricSet(float64)
}

// Storage is the slice of the model store the manager depends on.
type Storage interface {
	GetActive() (*store.ModelVersion, error)
	Promote(*store.ModelVersion) (*store.ModelVersion, error)
	Rollback(uint64) (*store.ModelVersion, error)
	AppendFeedback(store.FeedbackRecord) error
	FeedbackHistory() ([]store.FeedbackRecord, error)
	FeaturesFor(string) (*features.Vector, error)
}

// Manager owns the feedback buffer, the learning state machine and the
// active-model snapshot used by inference.
type Manager struct {
	cfg       Config
	storage   Storage
	metrics   MetricsInterface
	mlMetrics ml.MetricsInterface

	active atomic.Pointer[ml.Predictor]

	mu          sync.Mutex
	state       State
	lastOutcome State
	lastError   error
	buffer      []feedbackExample
	history     []feedbackExample
	holdout     []feedbackExample
	seen        map[string]bool
	accepted    int

	inFlight  atomic.Bool
	retrainCh chan struct{}
}

// NewManager loads the latest persisted model (if any) and replays the
// feedback history so duplicate detection survives restarts.
func NewManager(cfg Config, storage Storage, metrics MetricsInterface, mlMetrics ml.MetricsInterface) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		storage:   storage,
		metrics:   metrics,
		mlMetrics: mlMetrics,
		state:     StateIdle,
		seen:      make(map[string]bool),
		retrainCh: make(chan struct{}, 1),
	}

	mv, err := storage.GetActive()
	switch {
	case err == nil:
		pred, err := ml.NewPredictor(mv.ID, mv.Params, mlMetrics)
		if err != nil {
			return nil, fmt.Errorf("load active model %d: %w", mv.ID, err)
		}
		m.active.Store(pred)
		if metrics != nil {
			metrics.ActiveModelMetricSet(mv.ValidationMetric)
		}
		log.Info().Uint64("version", mv.ID).Float64("metric", mv.ValidationMetric).Msg("active model loaded")
	case errors.Is(err, store.ErrNoActiveModel):
		log.Info().Msg("no persisted model, starting rule-only")
	default:
		return nil, fmt.Errorf("load active model: %w", err)
	}

	if err := m.replayHistory(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) replayHistory() error {
	recs, err := m.storage.FeedbackHistory()
	if err != nil {
		return fmt.Errorf("load feedback history: %w", err)
	}
	for _, rec := range recs {
		vec, err := m.storage.FeaturesFor(rec.StrokeID)
		if err != nil {
			continue // sample pruned since; nothing to train on
		}
		m.seen[rec.StrokeID] = true
		m.route(feedbackExample{features: vec.Values, score: rec.CorrectedScore, submittedAt: rec.SubmittedAt})
	}
	if len(recs) > 0 {
		m.state = StateAccumulating
		log.Info().Int("records", len(recs)).Int("buffer", len(m.buffer)).Int("holdout", len(m.holdout)).Msg("feedback history replayed")
	}
	return nil
}

// feedbackExample is one accepted feedback record held for training.
// The training weight is derived from submittedAt when a cycle builds
// its training set, so older feedback decays as cycles pass.
type feedbackExample struct {
	features    []float64
	score       float64
	submittedAt time.Time
}

// minFeedbackWeight floors the time-decayed training weight.
const minFeedbackWeight = 0.1

// route appends an accepted example to the holdout set or the training
// buffer. Callers hold no lock during construction; afterwards m.mu.
func (m *Manager) route(ex feedbackExample) {
	m.accepted++
	if m.cfg.HoldoutEvery > 0 && m.accepted%m.cfg.HoldoutEvery == 0 && len(m.holdout) < m.cfg.HoldoutSize {
		m.holdout = append(m.holdout, ex)
		return
	}
	m.buffer = append(m.buffer, ex)
}

// decayWeight computes the exponential time-decay weight for one
// feedback record, floored at minFeedbackWeight. A decay factor
// outside (0,1) disables decay.
func (m *Manager) decayWeight(submittedAt time.Time, now time.Time) float64 {
	decay := m.cfg.FeedbackWeightDecay
	if decay <= 0 || decay >= 1 || submittedAt.IsZero() {
		return 1
	}
	days := now.Sub(submittedAt).Hours() / 24
	if days <= 0 {
		return 1
	}
	w := math.Pow(decay, days)
	if w < minFeedbackWeight {
		return minFeedbackWeight
	}
	return w
}

// toExamples materializes training examples, assigning each its
// time-decayed weight as of now.
func (m *Manager) toExamples(recs []feedbackExample, now time.Time) []ml.Example {
	out := make([]ml.Example, len(recs))
	for i, r := range recs {
		out[i] = ml.Example{
			Features: r.features,
			Score:    r.score,
			Weight:   m.decayWeight(r.submittedAt, now),
		}
	}
	return out
}

// Active returns the current model snapshot, or nil before the first
// promotion. The pointer swap is atomic: callers always observe a
// complete model.
func (m *Manager) Active() *ml.Predictor { return m.active.Load() }

// State reports the current state machine phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastOutcome reports the terminal state of the most recent completed
// cycle along with its error, if any.
func (m *Manager) LastOutcome() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOutcome, m.lastError
}

// BufferLen reports the number of pending training examples.
func (m *Manager) BufferLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// Submit validates one feedback record and appends it to the training
// buffer. Invalid records are rejected synchronously; nothing is
// dropped silently.
func (m *Manager) Submit(rec store.FeedbackRecord) error {
	if rec.StrokeID == "" {
		m.reject()
		return &ValidationError{Reason: "empty stroke id"}
	}
	if math.IsNaN(rec.CorrectedScore) || rec.CorrectedScore < 0 || rec.CorrectedScore > 100 {
		m.reject()
		return &ValidationError{Reason: fmt.Sprintf("corrected score %f outside [0,100]", rec.CorrectedScore)}
	}

	vec, err := m.storage.FeaturesFor(rec.StrokeID)
	if err != nil {
		m.reject()
		return &ValidationError{Reason: fmt.Sprintf("stroke %s was never analyzed", rec.StrokeID)}
	}
	if vec.Schema != features.SchemaVersion {
		m.reject()
		return &ValidationError{Reason: fmt.Sprintf("stroke %s recorded under schema %s", rec.StrokeID, vec.Schema)}
	}

	m.mu.Lock()
	if m.seen[rec.StrokeID] {
		m.mu.Unlock()
		m.reject()
		return &ValidationError{Reason: fmt.Sprintf("duplicate feedback for stroke %s", rec.StrokeID)}
	}
	m.seen[rec.StrokeID] = true

	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	m.route(feedbackExample{features: vec.Values, score: rec.CorrectedScore, submittedAt: rec.SubmittedAt})
	if m.state == StateIdle {
		m.state = StateAccumulating
	}
	bufLen := len(m.buffer)
	m.mu.Unlock()

	if err := m.storage.AppendFeedback(rec); err != nil {
		log.Error().Err(err).Str("stroke", rec.StrokeID).Msg("failed to persist feedback")
	}
	if m.metrics != nil {
		m.metrics.FeedbackAcceptedInc()
		m.metrics.BufferSizeSet(float64(bufLen))
	}

	if bufLen >= m.cfg.RetrainThreshold {
		m.TriggerRetrain()
	}
	return nil
}

func (m *Manager) reject() {
	if m.metrics != nil {
		m.metrics.FeedbackRejectedInc()
	}
}

// TriggerRetrain requests a retrain cycle. Requests arriving while a
// cycle is in flight or pending are coalesced, never queued.
func (m *Manager) TriggerRetrain() {
	select {
	case m.retrainCh <- struct{}{}:
	default:
	}
}

// Run drives the learning loop until ctx is cancelled. Cancellation
// aborts any in-flight cycle safely: the candidate is discarded, the
// buffer and active model are untouched.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.RetrainInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("learning loop stopped")
			return
		case <-ticker.C:
			if err := m.RunCycle(ctx); err != nil {
				log.Warn().Err(err).Msg("scheduled retrain cycle failed")
			}
		case <-m.retrainCh:
			if err := m.RunCycle(ctx); err != nil {
				log.Warn().Err(err).Msg("retrain cycle failed")
			}
		}
	}
}

// RunCycle executes one Training -> Validating -> Promoted|Rejected
// pass. Concurrent calls are coalesced through an in-flight guard.
// Errors leave the buffer intact and the state machine back in
// Idle/Accumulating.
func (m *Manager) RunCycle(ctx context.Context) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		return nil // a cycle is already running
	}
	defer m.inFlight.Store(false)

	now := time.Now()
	m.mu.Lock()
	trainSet := m.trainingSetLocked(now)
	holdout := m.toExamples(m.holdout, now)
	m.state = StateTraining
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TrainingCyclesInc()
	}

	outcome, err := m.cycle(ctx, trainSet, holdout)

	m.mu.Lock()
	m.lastOutcome = outcome
	m.lastError = err
	if outcome == StatePromoted {
		m.retainLocked()
	}
	if len(m.buffer) > 0 {
		m.state = StateAccumulating
	} else {
		m.state = StateIdle
	}
	bufLen := len(m.buffer)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BufferSizeSet(float64(bufLen))
		if err != nil {
			m.metrics.TrainingFailuresInc()
		}
	}
	return err
}

// trainingSetLocked combines the buffer with retained history per the
// configured retention policy, weighting every example by its age as
// of now. Caller holds m.mu.
func (m *Manager) trainingSetLocked(now time.Time) []ml.Example {
	hist := m.history
	if m.cfg.Retention == RetentionSliding && m.cfg.RetentionWindow > 0 && len(hist) > m.cfg.RetentionWindow {
		hist = hist[len(hist)-m.cfg.RetentionWindow:]
	}
	out := make([]ml.Example, 0, len(hist)+len(m.buffer))
	out = append(out, m.toExamples(hist, now)...)
	out = append(out, m.toExamples(m.buffer, now)...)
	return out
}

// retainLocked folds the consumed buffer into history after a
// promotion. Caller holds m.mu.
func (m *Manager) retainLocked() {
	m.history = append(m.history, m.buffer...)
	if m.cfg.Retention == RetentionSliding && m.cfg.RetentionWindow > 0 && len(m.history) > m.cfg.RetentionWindow {
		m.history = m.history[len(m.history)-m.cfg.RetentionWindow:]
	}
	m.buffer = nil
}

func (m *Manager) cycle(ctx context.Context, trainSet, holdout []ml.Example) (State, error) {
	if len(holdout) == 0 {
		return StateRejected, &TrainingError{Cause: fmt.Errorf("no holdout examples accumulated yet")}
	}

	budget := m.cfg.MaxTrainingDuration
	if budget <= 0 {
		budget = 2 * time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	params, err := ml.Train(tctx, features.SchemaVersion, trainSet, m.cfg.Trainer)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return StateRejected, &TrainingTimeoutError{Budget: budget}
		}
		if ctx.Err() != nil {
			return StateRejected, &TrainingError{Cause: ctx.Err()}
		}
		return StateRejected, &TrainingError{Cause: err}
	}

	m.mu.Lock()
	m.state = StateValidating
	m.mu.Unlock()

	candMetric, err := ml.Evaluate(params, holdout)
	if err != nil {
		return StateRejected, &TrainingError{Cause: err}
	}

	activeMetric := math.Inf(-1)
	var parentID uint64
	if active := m.active.Load(); active != nil {
		mv, err := m.storage.GetActive()
		if err != nil {
			return StateRejected, &TrainingError{Cause: fmt.Errorf("load active for comparison: %w", err)}
		}
		parentID = mv.ID
		activeMetric, err = ml.Evaluate(mv.Params, holdout)
		if err != nil {
			return StateRejected, &TrainingError{Cause: err}
		}
	}

	if candMetric-activeMetric < m.cfg.MinImprovement {
		log.Info().
			Float64("candidate_metric", candMetric).
			Float64("active_metric", activeMetric).
			Float64("min_improvement", m.cfg.MinImprovement).
			Msg("candidate rejected, keeping active model")
		if m.metrics != nil {
			m.metrics.RejectionsInc()
		}
		return StateRejected, nil
	}

	candidate := &store.ModelVersion{
		Params:               params,
		TrainedAt:            time.Now().UTC(),
		ValidationMetric:     candMetric,
		ParentVersionID:      parentID,
		FeatureSchemaVersion: features.SchemaVersion,
	}
	stored, err := m.storage.Promote(candidate)
	if err != nil {
		return StateRejected, &TrainingError{Cause: err}
	}

	pred, err := ml.NewPredictor(stored.ID, stored.Params, m.mlMetrics)
	if err != nil {
		return StateRejected, &TrainingError{Cause: err}
	}
	m.active.Store(pred)

	if m.metrics != nil {
		m.metrics.PromotionsInc()
		m.metrics.ActiveModelMetricSet(candMetric)
	}
	log.Info().
		Uint64("version", stored.ID).
		Uint64("parent", parentID).
		Float64("metric", candMetric).
		Int("training_examples", len(trainSet)).
		Msg("candidate promoted")
	return StatePromoted, nil
}

// Rollback repoints inference at a retained prior version.
func (m *Manager) Rollback(versionID uint64) error {
	mv, err := m.storage.Rollback(versionID)
	if err != nil {
		return err
	}
	pred, err := ml.NewPredictor(mv.ID, mv.Params, m.mlMetrics)
	if err != nil {
		return err
	}
	m.active.Store(pred)
	if m.metrics != nil {
		m.metrics.ActiveModelMetricSet(mv.ValidationMetric)
	}
	log.Info().Uint64("version", mv.ID).Msg("rolled back active model")
	return nil
}
