package features

import (
	"strings"
	"sync"

	"shuttle-coach/internal/pose"
)

// SchemaVersion tags every vector produced by this extractor. The
// quality predictor refuses vectors whose schema disagrees with the
// schema its model was trained on.
const SchemaVersion = "v1"

// Dim is the fixed length of a schema v1 feature vector:
// 8 joint angles x 5 stats + 4 velocity joints x 4 aggregates + 3 timing ratios.
const Dim = 59

type angleDef struct {
	name    string
	a, b, c string // angle at b formed by segments b->a and b->c
}

var angleDefs = []angleDef{
	{"right_elbow", pose.RightShoulder, pose.RightElbow, pose.RightWrist},
	{"left_elbow", pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist},
	{"right_shoulder", pose.RightHip, pose.RightShoulder, pose.RightElbow},
	{"left_shoulder", pose.LeftHip, pose.LeftShoulder, pose.LeftElbow},
	{"right_hip", pose.RightKnee, pose.RightHip, pose.RightShoulder},
	{"left_hip", pose.LeftKnee, pose.LeftHip, pose.LeftShoulder},
	{"right_knee", pose.RightHip, pose.RightKnee, pose.RightAnkle},
	{"left_knee", pose.LeftHip, pose.LeftKnee, pose.LeftAnkle},
}

var velocityJoints = []string{pose.RightWrist, pose.LeftWrist, pose.RightElbow, pose.LeftElbow}

var (
	angleStats = []string{"mean", "std", "min", "max", "range"}
	velStats   = []string{"speed_mean", "speed_max", "accel_mean", "accel_max"}
	timingKeys = []string{"timing_backswing", "timing_contact", "timing_follow_through"}
)

var (
	namesOnce  sync.Once
	schemaKeys []string
	schemaIdx  map[string]int
)

func buildNames() {
	schemaKeys = make([]string, 0, Dim)
	for _, a := range angleDefs {
		for _, s := range angleStats {
			schemaKeys = append(schemaKeys, a.name+"_"+s)
		}
	}
	for _, j := range velocityJoints {
		for _, s := range velStats {
			schemaKeys = append(schemaKeys, strings.ToLower(j)+"_"+s)
		}
	}
	schemaKeys = append(schemaKeys, timingKeys...)

	schemaIdx = make(map[string]int, len(schemaKeys))
	for i, n := range schemaKeys {
		schemaIdx[n] = i
	}
}

// FeatureNames returns the ordered feature names of schema v1.
func FeatureNames() []string {
	namesOnce.Do(buildNames)
	out := make([]string, len(schemaKeys))
	copy(out, schemaKeys)
	return out
}

// Index resolves a feature name to its position in a schema v1 vector.
func Index(name string) (int, bool) {
	namesOnce.Do(buildNames)
	i, ok := schemaIdx[name]
	return i, ok
}
