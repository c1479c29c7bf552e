// Package features converts segmented pose landmark sequences into
// fixed-dimension, schema-versioned feature vectors for the rule
// engine and the quality predictor.
package features

import (
	"fmt"
	"math"

	"shuttle-coach/internal/pose"
)

// InputError reports a malformed or too-short stroke segment.
type InputError struct{ Reason string }

func (e *InputError) Error() string { return "invalid stroke segment: " + e.Reason }

// InsufficientDataError reports a joint whose landmarks were missing
// or below the visibility floor for too many consecutive frames.
type InsufficientDataError struct {
	Joint string
	Frame int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient landmark data for %s around frame %d", e.Joint, e.Frame)
}

// Vector is an immutable schema-tagged feature vector.
type Vector struct {
	Schema string    `json:"schema"`
	Values []float64 `json:"values"`
}

// Config bounds extraction behavior.
type Config struct {
	MinFrames       int     `yaml:"minFrames"`
	MaxImputeFrames int     `yaml:"maxImputeFrames"`
	MinVisibility   float64 `yaml:"minVisibility"`
}

func DefaultConfig() Config {
	return Config{MinFrames: 8, MaxImputeFrames: 5, MinVisibility: 0.5}
}

func requiredJoints() []string {
	seen := make(map[string]bool)
	var joints []string
	add := func(j string) {
		if !seen[j] {
			seen[j] = true
			joints = append(joints, j)
		}
	}
	for _, a := range angleDefs {
		add(a.a)
		add(a.b)
		add(a.c)
	}
	for _, j := range velocityJoints {
		add(j)
	}
	return joints
}

// Extract computes the schema v1 feature vector for one stroke
// segment. It is a pure function of its input: identical samples
// always yield identical vectors.
func Extract(sample *pose.StrokeSample, cfg Config) (*Vector, error) {
	if sample == nil || len(sample.Frames) == 0 {
		return nil, &InputError{Reason: "empty sample"}
	}
	if err := sample.Validate(); err != nil {
		return nil, &InputError{Reason: err.Error()}
	}
	if len(sample.Frames) < cfg.MinFrames {
		return nil, &InputError{Reason: fmt.Sprintf("segment has %d frames, need at least %d", len(sample.Frames), cfg.MinFrames)}
	}

	timeline, err := imputeTimeline(sample, cfg)
	if err != nil {
		return nil, err
	}

	values := make([]float64, 0, Dim)

	for _, a := range angleDefs {
		stats, err := angleStatistics(timeline, a)
		if err != nil {
			return nil, err
		}
		values = append(values, stats...)
	}

	for _, j := range velocityJoints {
		values = append(values, velocityAggregates(timeline, sample.Frames, j)...)
	}

	ratios, err := timingRatios(sample)
	if err != nil {
		return nil, err
	}
	values = append(values, ratios...)

	if len(values) != Dim {
		return nil, &InputError{Reason: fmt.Sprintf("feature layout produced %d values, want %d", len(values), Dim)}
	}
	return &Vector{Schema: SchemaVersion, Values: values}, nil
}

// imputeTimeline fills missing or low-visibility landmarks by holding
// the last valid value for up to MaxImputeFrames consecutive frames.
// Leading gaps are backfilled from the first valid observation under
// the same budget.
func imputeTimeline(sample *pose.StrokeSample, cfg Config) ([]map[string]pose.Landmark, error) {
	joints := requiredJoints()
	timeline := make([]map[string]pose.Landmark, len(sample.Frames))
	for i := range timeline {
		timeline[i] = make(map[string]pose.Landmark, len(joints))
	}

	for _, joint := range joints {
		var last pose.Landmark
		haveLast := false
		held := 0
		leading := 0

		for i, f := range sample.Frames {
			lm, ok := f.Joints[joint]
			if ok && lm.Visibility >= cfg.MinVisibility {
				if !haveLast {
					if leading > cfg.MaxImputeFrames {
						return nil, &InsufficientDataError{Joint: joint, Frame: 0}
					}
					for j := 0; j < leading; j++ {
						timeline[j][joint] = lm
					}
				}
				last = lm
				haveLast = true
				held = 0
				timeline[i][joint] = lm
				continue
			}

			if !haveLast {
				leading++
				continue
			}
			held++
			if held > cfg.MaxImputeFrames {
				return nil, &InsufficientDataError{Joint: joint, Frame: i}
			}
			timeline[i][joint] = last
		}

		if !haveLast {
			return nil, &InsufficientDataError{Joint: joint, Frame: 0}
		}
	}
	return timeline, nil
}

// angleAt returns the angle in degrees at b formed by a and c, or NaN
// when either segment is degenerate.
func angleAt(a, b, c pose.Landmark) float64 {
	abx, aby, abz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	cbx, cby, cbz := c.X-b.X, c.Y-b.Y, c.Z-b.Z

	magAB := math.Sqrt(abx*abx + aby*aby + abz*abz)
	magCB := math.Sqrt(cbx*cbx + cby*cby + cbz*cbz)
	if magAB == 0 || magCB == 0 {
		return math.NaN()
	}

	cos := (abx*cbx + aby*cby + abz*cbz) / (magAB * magCB)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

func angleStatistics(timeline []map[string]pose.Landmark, def angleDef) ([]float64, error) {
	var angles []float64
	for _, joints := range timeline {
		v := angleAt(joints[def.a], joints[def.b], joints[def.c])
		if !math.IsNaN(v) {
			angles = append(angles, v)
		}
	}
	if len(angles) == 0 {
		return nil, &InsufficientDataError{Joint: def.name, Frame: 0}
	}

	mean, std := meanStd(angles)
	min, max := angles[0], angles[0]
	for _, v := range angles[1:] {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	return []float64{mean, std, min, max, max - min}, nil
}

func velocityAggregates(timeline []map[string]pose.Landmark, frames []pose.Frame, joint string) []float64 {
	var speeds, accels []float64
	prevSpeed := math.NaN()

	for i := 1; i < len(timeline); i++ {
		dt := float64(frames[i].TsMs-frames[i-1].TsMs) / 1000.0
		if dt <= 0 {
			dt = 1.0 / 30.0 // missing timestamps, assume 30fps
		}
		p, q := timeline[i-1][joint], timeline[i][joint]
		dx, dy, dz := q.X-p.X, q.Y-p.Y, q.Z-p.Z
		speed := math.Sqrt(dx*dx+dy*dy+dz*dz) / dt
		speeds = append(speeds, speed)

		if !math.IsNaN(prevSpeed) {
			accels = append(accels, math.Abs(speed-prevSpeed)/dt)
		}
		prevSpeed = speed
	}

	speedMean, _ := meanStd(speeds)
	accelMean, _ := meanStd(accels)
	return []float64{speedMean, maxOf(speeds), accelMean, maxOf(accels)}
}

func timingRatios(sample *pose.StrokeSample) ([]float64, error) {
	total := len(sample.Frames)
	ratios := make([]float64, 0, len(timingKeys))
	for _, name := range []string{pose.PhaseBackswing, pose.PhaseContact, pose.PhaseFollowThrough} {
		p, ok := sample.PhaseByName(name)
		if !ok {
			return nil, &InputError{Reason: "missing phase boundary: " + name}
		}
		ratios = append(ratios, float64(p.End-p.Start)/float64(total))
	}
	return ratios, nil
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, v := range xs {
		mean += v
	}
	mean /= float64(len(xs))

	var variance float64
	for _, v := range xs {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(xs))
	if variance > 0 {
		std = math.Sqrt(variance)
	}
	return
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, v := range xs[1:] {
		m = math.Max(m, v)
	}
	return m
}
