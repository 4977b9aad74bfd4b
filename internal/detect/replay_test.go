package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(t *testing.T, src *ReplaySource, n int) []Frame {
	t.Helper()
	frames := make([]Frame, 0, n)
	for len(frames) < n {
		select {
		case frame, ok := <-src.Frames():
			require.True(t, ok, "frame channel closed early")
			frames = append(frames, frame)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d frames", len(frames))
		}
	}
	return frames
}

func TestReplaySourceFollowsScript(t *testing.T) {
	src := NewReplaySource(ReplayConfig{
		FPS:    2000,
		Width:  320,
		Height: 240,
		Cycle:  20,
		Script: []ReplayObject{
			{ID: 1, Label: "bottle", Enter: 0, Exit: 5, Box: Box{X1: 10, Y1: 10, X2: 100, Y2: 100}},
			{ID: 2, Label: "cup", Enter: 3, Exit: 8, Box: Box{X1: 120, Y1: 10, X2: 220, Y2: 110}},
		},
	})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	frames := collectFrames(t, src, 10)

	// Frame 0: only the bottle.
	require.Len(t, frames[0].Detections, 1)
	assert.Equal(t, int64(1), frames[0].Detections[0].TrackID)
	assert.Equal(t, "bottle", frames[0].Detections[0].Label)

	// Frame 4: both objects overlap.
	assert.Len(t, frames[4].Detections, 2)

	// Frame 6: bottle has exited, cup remains.
	require.Len(t, frames[6].Detections, 1)
	assert.Equal(t, int64(2), frames[6].Detections[0].TrackID)

	// Frame 9: scene is empty.
	assert.Empty(t, frames[9].Detections)

	// Sequence numbers are contiguous and images are real.
	for i, frame := range frames {
		assert.Equal(t, int64(i), frame.Seq)
		require.NotNil(t, frame.Image)
		assert.Equal(t, 320, frame.Image.Bounds().Dx())
	}
}

func TestReplaySourceFreshIDsEachCycle(t *testing.T) {
	src := NewReplaySource(ReplayConfig{
		FPS:   2000,
		Cycle: 4,
		Script: []ReplayObject{
			{ID: 1, Label: "bottle", Enter: 0, Exit: 2, Box: Box{X1: 0, Y1: 0, X2: 90, Y2: 90}},
		},
	})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	frames := collectFrames(t, src, 6)

	require.Len(t, frames[0].Detections, 1)
	firstID := frames[0].Detections[0].TrackID

	// Frame 4 is the first frame of the second cycle: same scripted object,
	// new identity.
	require.Len(t, frames[4].Detections, 1)
	secondID := frames[4].Detections[0].TrackID
	assert.NotEqual(t, firstID, secondID, "a reappearance after the cycle gap is a new track")
}

func TestReplaySourceDefaults(t *testing.T) {
	src := NewReplaySource(ReplayConfig{})
	assert.Equal(t, float64(10), src.cfg.FPS)
	assert.Equal(t, 640, src.cfg.Width)
	assert.NotEmpty(t, src.cfg.Script)
}
