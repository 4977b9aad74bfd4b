package detect

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxDimensions(t *testing.T) {
	b := Box{X1: 10, Y1: 20, X2: 110, Y2: 220}
	assert.Equal(t, 100, b.Width())
	assert.Equal(t, 200, b.Height())
	assert.False(t, b.Empty())

	assert.True(t, Box{X1: 5, Y1: 5, X2: 5, Y2: 10}.Empty())
	assert.True(t, Box{X1: 9, Y1: 5, X2: 5, Y2: 10}.Empty())
}

func TestBoxClip(t *testing.T) {
	tests := []struct {
		name string
		in   Box
		want Box
	}{
		{
			name: "inside stays unchanged",
			in:   Box{X1: 10, Y1: 10, X2: 50, Y2: 50},
			want: Box{X1: 10, Y1: 10, X2: 50, Y2: 50},
		},
		{
			name: "negative origin clipped to zero",
			in:   Box{X1: -15, Y1: -3, X2: 50, Y2: 50},
			want: Box{X1: 0, Y1: 0, X2: 50, Y2: 50},
		},
		{
			name: "overflow clipped to frame",
			in:   Box{X1: 90, Y1: 90, X2: 150, Y2: 130},
			want: Box{X1: 90, Y1: 90, X2: 100, Y2: 100},
		},
		{
			name: "fully outside clips empty",
			in:   Box{X1: 120, Y1: 120, X2: 150, Y2: 150},
			want: Box{X1: 100, Y1: 100, X2: 100, Y2: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Clip(100, 100)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))

	crop := Crop(img, Box{X1: 10, Y1: 20, X2: 40, Y2: 60})
	require.NotNil(t, crop)
	assert.Equal(t, 30, crop.Bounds().Dx())
	assert.Equal(t, 40, crop.Bounds().Dy())
}

func TestCropClipsToFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))

	crop := Crop(img, Box{X1: 80, Y1: 60, X2: 140, Y2: 140})
	require.NotNil(t, crop)
	assert.Equal(t, 20, crop.Bounds().Dx())
	assert.Equal(t, 20, crop.Bounds().Dy())
}

func TestCropNilAndEmpty(t *testing.T) {
	assert.Nil(t, Crop(nil, Box{X1: 0, Y1: 0, X2: 10, Y2: 10}), "nil image yields nil crop")

	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	assert.Nil(t, Crop(img, Box{X1: 60, Y1: 60, X2: 80, Y2: 80}), "box outside the frame yields nil crop")
}
