package features

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-coach/internal/pose"
)

func baseJoints() map[string]pose.Landmark {
	return map[string]pose.Landmark{
		pose.LeftShoulder:  {X: -0.2, Y: 1.5, Z: 0, Visibility: 1},
		pose.RightShoulder: {X: 0.2, Y: 1.5, Z: 0, Visibility: 1},
		pose.LeftElbow:     {X: -0.35, Y: 1.3, Z: 0, Visibility: 1},
		pose.RightElbow:    {X: 0.35, Y: 1.3, Z: 0, Visibility: 1},
		pose.LeftWrist:     {X: -0.45, Y: 1.1, Z: 0, Visibility: 1},
		pose.RightWrist:    {X: 0.45, Y: 1.1, Z: 0, Visibility: 1},
		pose.LeftHip:       {X: -0.15, Y: 1.0, Z: 0, Visibility: 1},
		pose.RightHip:      {X: 0.15, Y: 1.0, Z: 0, Visibility: 1},
		pose.LeftKnee:      {X: -0.15, Y: 0.6, Z: 0, Visibility: 1},
		pose.RightKnee:     {X: 0.15, Y: 0.6, Z: 0, Visibility: 1},
		pose.LeftAnkle:     {X: -0.15, Y: 0.1, Z: 0, Visibility: 1},
		pose.RightAnkle:    {X: 0.15, Y: 0.1, Z: 0, Visibility: 1},
	}
}

func testSample(t *testing.T, frames int) *pose.StrokeSample {
	t.Helper()
	s := &pose.StrokeSample{ID: "stroke-1"}
	for i := 0; i < frames; i++ {
		joints := baseJoints()
		// move the wrists so velocity aggregates are non-zero
		rw := joints[pose.RightWrist]
		rw.Y += float64(i) * 0.02
		joints[pose.RightWrist] = rw
		lw := joints[pose.LeftWrist]
		lw.Y += float64(i) * 0.01
		joints[pose.LeftWrist] = lw

		s.Frames = append(s.Frames, pose.Frame{TsMs: int64(i) * 33, Joints: joints})
	}
	third := frames / 3
	half := frames / 2
	s.Phases = []pose.Phase{
		{Name: pose.PhaseBackswing, Start: 0, End: third},
		{Name: pose.PhaseContact, Start: third, End: half},
		{Name: pose.PhaseFollowThrough, Start: half, End: frames},
	}
	return s
}

func TestExtractProducesSchemaV1(t *testing.T) {
	sample := testSample(t, 12)

	vec, err := Extract(sample, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, vec.Schema)
	assert.Len(t, vec.Values, Dim)

	idx, ok := Index("right_wrist_speed_max")
	require.True(t, ok)
	assert.Greater(t, vec.Values[idx], 0.0, "wrist motion should yield positive speed")

	idx, ok = Index("timing_backswing")
	require.True(t, ok)
	assert.InDelta(t, 4.0/12.0, vec.Values[idx], 1e-9)
}

func TestExtractIsDeterministic(t *testing.T) {
	sample := testSample(t, 16)

	v1, err := Extract(sample, DefaultConfig())
	require.NoError(t, err)
	v2, err := Extract(sample, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestExtractRejectsShortSegment(t *testing.T) {
	sample := testSample(t, 4)

	_, err := Extract(sample, DefaultConfig())
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
}

func TestExtractRejectsNilSample(t *testing.T) {
	_, err := Extract(nil, DefaultConfig())
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
}

func TestExtractRejectsMissingPhase(t *testing.T) {
	sample := testSample(t, 12)
	sample.Phases = sample.Phases[:2] // drop follow_through

	_, err := Extract(sample, DefaultConfig())
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
}

func TestImputationHoldsLastValidValue(t *testing.T) {
	sample := testSample(t, 12)
	// hide the right wrist for 3 consecutive frames, within budget
	for i := 5; i < 8; i++ {
		lm := sample.Frames[i].Joints[pose.RightWrist]
		lm.Visibility = 0.1
		sample.Frames[i].Joints[pose.RightWrist] = lm
	}

	_, err := Extract(sample, DefaultConfig())
	assert.NoError(t, err)
}

func TestImputationFailsBeyondBudget(t *testing.T) {
	sample := testSample(t, 14)
	for i := 4; i < 11; i++ {
		delete(sample.Frames[i].Joints, pose.RightWrist)
	}

	_, err := Extract(sample, DefaultConfig())
	var insuffErr *InsufficientDataError
	require.ErrorAs(t, err, &insuffErr)
	assert.Equal(t, pose.RightWrist, insuffErr.Joint)
}

func TestImputationBackfillsLeadingGap(t *testing.T) {
	sample := testSample(t, 12)
	for i := 0; i < 3; i++ {
		delete(sample.Frames[i].Joints, pose.LeftKnee)
	}

	_, err := Extract(sample, DefaultConfig())
	assert.NoError(t, err)
}

func TestJointMissingEntirely(t *testing.T) {
	sample := testSample(t, 12)
	for i := range sample.Frames {
		delete(sample.Frames[i].Joints, pose.LeftAnkle)
	}

	_, err := Extract(sample, DefaultConfig())
	var insuffErr *InsufficientDataError
	require.True(t, errors.As(err, &insuffErr))
}

func TestFeatureNamesMatchDim(t *testing.T) {
	names := FeatureNames()
	require.Len(t, names, Dim)

	seen := make(map[string]bool)
	for i, n := range names {
		assert.False(t, seen[n], "duplicate feature name %s", n)
		seen[n] = true

		idx, ok := Index(n)
		require.True(t, ok)
		assert.Equal(t, i, idx)
	}
}
