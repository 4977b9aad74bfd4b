// Package detect carries the per-frame detection feed consumed by the
// tracking engine. Detections arrive from an external detector/tracker
// process, either over a TCP NDJSON feed or from the built-in replay
// source in dev mode.
package detect

import (
	"image"
	"image/draw"
)

// Box is an axis-aligned bounding box in pixel space, [x1,y1] top-left,
// [x2,y2] bottom-right exclusive.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b Box) Height() int { return b.Y2 - b.Y1 }

// Empty reports whether the box has no area.
func (b Box) Empty() bool { return b.X2 <= b.X1 || b.Y2 <= b.Y1 }

// Clip bounds the box to a w x h frame. Detector coordinates can spill a
// few pixels past the frame edge; crops must not.
func (b Box) Clip(w, h int) Box {
	c := b
	if c.X1 < 0 {
		c.X1 = 0
	}
	if c.Y1 < 0 {
		c.Y1 = 0
	}
	if c.X2 > w {
		c.X2 = w
	}
	if c.Y2 > h {
		c.Y2 = h
	}
	return c
}

// Detection is one tracked detection in a frame: the upstream tracker's
// stable identity, the box, the detector's coarse class label, and its
// confidence.
type Detection struct {
	TrackID    int64   `json:"id"`
	Box        Box     `json:"box"`
	Label      string  `json:"label"`
	Confidence float64 `json:"conf"`
}

// Frame is one unit of the detection feed. Image may be nil when the feed
// omits pixels; enrichment then proceeds on the label hint alone.
type Frame struct {
	Seq        int64
	Width      int
	Height     int
	Image      image.Image
	Detections []Detection
}

// Crop extracts the boxed region of img, clipped to the frame bounds.
// Returns nil for a nil image or a box that clips away to nothing.
func Crop(img image.Image, box Box) image.Image {
	if img == nil {
		return nil
	}
	bounds := img.Bounds()
	clipped := box.Clip(bounds.Dx(), bounds.Dy())
	if clipped.Empty() {
		return nil
	}

	rect := image.Rect(
		bounds.Min.X+clipped.X1,
		bounds.Min.Y+clipped.Y1,
		bounds.Min.X+clipped.X2,
		bounds.Min.Y+clipped.Y2,
	)
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}
