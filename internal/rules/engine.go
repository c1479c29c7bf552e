// Package rules implements the deterministic biomechanical rule
// evaluator. It is the always-available scoring baseline: evaluation
// never depends on model state and never fails at runtime.
package rules

import (
	"fmt"
	"math"

	"shuttle-coach/internal/features"
)

// Severity grades how far a measurement sits from the ideal range.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
)

// Rank orders severities for finding ranking; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityMajor:
		return 3
	case SeverityModerate:
		return 2
	case SeverityMinor:
		return 1
	}
	return 0
}

func (s Severity) factor() float64 {
	switch s {
	case SeverityMajor:
		return 1.5
	case SeverityModerate:
		return 1.0
	case SeverityMinor:
		return 0.5
	}
	return 0
}

// Rule is one configurable threshold check against a named feature.
// Max == 0 means the feature is unbounded above.
type Rule struct {
	ID       string   `yaml:"id" json:"id"`
	Feature  string   `yaml:"feature" json:"feature"`
	Min      float64  `yaml:"min" json:"min"`
	Max      float64  `yaml:"max" json:"max"`
	Severity Severity `yaml:"severity" json:"severity"`
	Weight   float64  `yaml:"weight" json:"weight"`
	Priority int      `yaml:"priority" json:"priority"`
	Message  string   `yaml:"message" json:"message"`
}

// Finding is a single rule violation. Priority is carried for
// deterministic ranking and not exposed in reports.
type Finding struct {
	RuleID         string   `json:"ruleId"`
	Severity       Severity `json:"severity"`
	Message        string   `json:"message"`
	DeltaFromIdeal float64  `json:"deltaFromIdeal"`
	Priority       int      `json:"-"`
}

// Engine evaluates a fixed rule catalog over schema v1 vectors.
type Engine struct {
	rules []Rule
	idx   []int
}

// NewEngine validates the catalog against the feature schema. Unknown
// feature names are rejected here so evaluation can never fail.
func NewEngine(catalog []Rule) (*Engine, error) {
	if len(catalog) == 0 {
		return nil, fmt.Errorf("rule catalog is empty")
	}
	e := &Engine{rules: make([]Rule, len(catalog)), idx: make([]int, len(catalog))}
	copy(e.rules, catalog)

	seen := make(map[string]bool, len(catalog))
	for i, r := range e.rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has empty id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Weight < 0 {
			return nil, fmt.Errorf("rule %s: negative weight %f", r.ID, r.Weight)
		}
		if r.Max != 0 && r.Max < r.Min {
			return nil, fmt.Errorf("rule %s: max %f below min %f", r.ID, r.Max, r.Min)
		}
		switch r.Severity {
		case SeverityMinor, SeverityModerate, SeverityMajor:
		default:
			return nil, fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
		}
		pos, ok := features.Index(r.Feature)
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown feature %q", r.ID, r.Feature)
		}
		e.idx[i] = pos
	}
	return e, nil
}

// Rules returns a copy of the configured catalog.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate checks every rule and aggregates violations into a score by
// subtracting weighted deductions from a 100-point baseline, floored
// at 0. Findings follow catalog order; ranking is the advisor's job.
func (e *Engine) Evaluate(v *features.Vector) ([]Finding, float64) {
	score := 100.0
	var findings []Finding
	if v == nil {
		return findings, score
	}

	for i, r := range e.rules {
		pos := e.idx[i]
		if pos >= len(v.Values) {
			continue
		}
		val := v.Values[pos]
		if math.IsNaN(val) || math.IsInf(val, 0) {
			continue
		}

		var delta float64
		switch {
		case val < r.Min:
			delta = val - r.Min
		case r.Max != 0 && val > r.Max:
			delta = val - r.Max
		default:
			continue
		}

		findings = append(findings, Finding{
			RuleID:         r.ID,
			Severity:       r.Severity,
			Message:        r.Message,
			DeltaFromIdeal: delta,
			Priority:       r.Priority,
		})
		score -= r.Weight * r.Severity.factor()
	}

	if score < 0 {
		score = 0
	}
	return findings, score
}

// DefaultCatalog is the built-in biomechanical rule set for an
// overhead clear. Deployments override it via configuration.
func DefaultCatalog() []Rule {
	return []Rule{
		{
			ID: "arm_extension", Feature: "right_elbow_max",
			Min: 150, Max: 180, Severity: SeverityMajor, Weight: 15, Priority: 1,
			Message: "Extend the racket arm fully at contact; the elbow should nearly straighten",
		},
		{
			ID: "elbow_preload", Feature: "right_elbow_min",
			Min: 45, Max: 120, Severity: SeverityModerate, Weight: 8, Priority: 3,
			Message: "Bend the elbow deeper during the backswing to load the stroke",
		},
		{
			ID: "shoulder_rotation", Feature: "right_shoulder_range",
			Min: 40, Max: 150, Severity: SeverityModerate, Weight: 10, Priority: 2,
			Message: "Rotate the shoulder through a wider arc to generate racket head speed",
		},
		{
			ID: "knee_drive", Feature: "right_knee_min",
			Min: 90, Max: 165, Severity: SeverityMinor, Weight: 6, Priority: 6,
			Message: "Flex the knees and drive upward into the shot",
		},
		{
			ID: "wrist_snap", Feature: "right_wrist_speed_max",
			Min: 1.5, Max: 0, Severity: SeverityModerate, Weight: 9, Priority: 4,
			Message: "Accelerate the wrist through contact; the snap is too slow",
		},
		{
			ID: "backswing_timing", Feature: "timing_backswing",
			Min: 0.2, Max: 0.5, Severity: SeverityModerate, Weight: 8, Priority: 5,
			Message: "Adjust backswing length; preparation takes too little or too much of the stroke",
		},
		{
			ID: "contact_timing", Feature: "timing_contact",
			Min: 0.1, Max: 0.35, Severity: SeverityMajor, Weight: 12, Priority: 2,
			Message: "Hit the shuttle earlier; the contact window drifts late in the stroke",
		},
		{
			ID: "follow_through", Feature: "timing_follow_through",
			Min: 0.25, Max: 0.6, Severity: SeverityMinor, Weight: 5, Priority: 7,
			Message: "Let the racket follow through across the body after contact",
		},
	}
}
