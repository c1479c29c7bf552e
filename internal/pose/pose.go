// Package pose defines the inbound data model produced by the pose
// extraction collaborator: per-frame joint landmarks segmented into
// stroke samples, plus the transports used to receive them.
package pose

import (
	"fmt"
	"time"
)

// Joint identifiers as emitted by the pose collaborator.
const (
	LeftShoulder  = "LEFT_SHOULDER"
	RightShoulder = "RIGHT_SHOULDER"
	LeftElbow     = "LEFT_ELBOW"
	RightElbow    = "RIGHT_ELBOW"
	LeftWrist     = "LEFT_WRIST"
	RightWrist    = "RIGHT_WRIST"
	LeftHip       = "LEFT_HIP"
	RightHip      = "RIGHT_HIP"
	LeftKnee      = "LEFT_KNEE"
	RightKnee     = "RIGHT_KNEE"
	LeftAnkle     = "LEFT_ANKLE"
	RightAnkle    = "RIGHT_ANKLE"
)

// Stroke phase names used for timing features.
const (
	PhaseBackswing     = "backswing"
	PhaseContact       = "contact"
	PhaseFollowThrough = "follow_through"
)

// Landmark is a single joint coordinate with detection visibility.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Frame holds all joint landmarks detected at one timestamp.
type Frame struct {
	TsMs   int64               `json:"tsMs"`
	Joints map[string]Landmark `json:"joints"`
}

// Phase marks a half-open frame range [Start, End) within a sample.
type Phase struct {
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// StrokeSample is one segmented stroke instance. It is created at
// segmentation time and never mutated afterwards.
type StrokeSample struct {
	ID     string  `json:"id"`
	Frames []Frame `json:"frames"`
	Phases []Phase `json:"phases"`
}

// Validate checks structural integrity of a sample as received from
// the collaborator. Content-level checks (frame count, landmark
// coverage) belong to the feature extractor.
func (s *StrokeSample) Validate() error {
	if s == nil {
		return fmt.Errorf("nil stroke sample")
	}
	if s.ID == "" {
		return fmt.Errorf("stroke sample has empty id")
	}
	if len(s.Frames) == 0 {
		return fmt.Errorf("stroke sample %s has no frames", s.ID)
	}
	prev := int64(-1)
	for i, f := range s.Frames {
		if f.TsMs < prev {
			return fmt.Errorf("stroke sample %s: frame %d timestamp out of order", s.ID, i)
		}
		prev = f.TsMs
	}
	for _, p := range s.Phases {
		if p.Start < 0 || p.End > len(s.Frames) || p.Start >= p.End {
			return fmt.Errorf("stroke sample %s: phase %s has invalid bounds [%d,%d)", s.ID, p.Name, p.Start, p.End)
		}
	}
	return nil
}

// Duration returns the wall time covered by the sample.
func (s *StrokeSample) Duration() time.Duration {
	if len(s.Frames) < 2 {
		return 0
	}
	return time.Duration(s.Frames[len(s.Frames)-1].TsMs-s.Frames[0].TsMs) * time.Millisecond
}

// PhaseByName returns the named phase, if present.
func (s *StrokeSample) PhaseByName(name string) (Phase, bool) {
	for _, p := range s.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}
