package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialFeed(t *testing.T, src *FeedSource) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", src.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvFrame(t *testing.T, src *FeedSource) Frame {
	t.Helper()
	select {
	case frame, ok := <-src.Frames():
		require.True(t, ok, "frame channel closed unexpectedly")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestFeedSourceDecodesFrames(t *testing.T) {
	src := NewFeedSource("127.0.0.1:0")
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	conn := dialFeed(t, src)
	fmt.Fprintln(conn, `{"seq":1,"width":640,"height":480,"detections":[{"id":7,"box":{"x1":10,"y1":10,"x2":120,"y2":150},"label":"bottle","conf":0.83}]}`)
	fmt.Fprintln(conn, `{"seq":2,"width":640,"height":480,"detections":[]}`)

	frame := recvFrame(t, src)
	assert.Equal(t, int64(1), frame.Seq)
	assert.Equal(t, 640, frame.Width)

	expected := []Detection{{
		TrackID:    7,
		Box:        Box{X1: 10, Y1: 10, X2: 120, Y2: 150},
		Label:      "bottle",
		Confidence: 0.83,
	}}
	if diff := cmp.Diff(expected, frame.Detections); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, frame.Image, "no jpeg field means no image")

	frame = recvFrame(t, src)
	assert.Equal(t, int64(2), frame.Seq)
	assert.Empty(t, frame.Detections)
}

func TestFeedSourceDecodesJPEG(t *testing.T) {
	src := NewFeedSource("127.0.0.1:0")
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	line, err := json.Marshal(wireFrame{
		Seq:  5,
		JPEG: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	require.NoError(t, err)

	conn := dialFeed(t, src)
	fmt.Fprintln(conn, string(line))

	frame := recvFrame(t, src)
	require.NotNil(t, frame.Image)
	assert.Equal(t, 32, frame.Image.Bounds().Dx())
	assert.Equal(t, 32, frame.Width, "dimensions inferred from the decoded image")
	assert.Equal(t, 24, frame.Height)
}

func TestFeedSourceSkipsBadLines(t *testing.T) {
	src := NewFeedSource("127.0.0.1:0")
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	conn := dialFeed(t, src)
	fmt.Fprintln(conn, `this is not json`)
	fmt.Fprintln(conn, ``)
	fmt.Fprintln(conn, `{"seq":9,"detections":[]}`)

	frame := recvFrame(t, src)
	assert.Equal(t, int64(9), frame.Seq, "bad lines are skipped, stream continues")
}

func TestFeedSourceSurvivesReconnect(t *testing.T) {
	src := NewFeedSource("127.0.0.1:0")
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	first := dialFeed(t, src)
	fmt.Fprintln(first, `{"seq":1,"detections":[]}`)
	assert.Equal(t, int64(1), recvFrame(t, src).Seq)
	first.Close()

	// A second producer can attach after the first drops.
	second := dialFeed(t, src)
	fmt.Fprintln(second, `{"seq":2,"detections":[]}`)
	assert.Equal(t, int64(2), recvFrame(t, src).Seq)
}

func TestFeedSourceStopClosesFrames(t *testing.T) {
	src := NewFeedSource("127.0.0.1:0")
	require.NoError(t, src.Start(context.Background()))

	src.Stop()

	select {
	case _, ok := <-src.Frames():
		assert.False(t, ok, "frames channel should be closed after Stop")
	case <-time.After(time.Second):
		t.Fatal("frames channel not closed after Stop")
	}
}
