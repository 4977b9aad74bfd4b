package detect

import (
	"context"
	"image"
	"image/color"
	"sync"

	"golang.org/x/time/rate"
)

// ReplayObject scripts one synthetic object: present on frames in
// [Enter, Exit) of each cycle, at a fixed box.
type ReplayObject struct {
	ID    int64
	Label string
	Enter int64
	Exit  int64
	Box   Box
}

// ReplayConfig shapes the synthetic scene.
type ReplayConfig struct {
	FPS    float64
	Width  int
	Height int
	// Cycle is the scene length in frames; the script repeats every Cycle
	// frames with fresh track ids, so lifecycles keep completing.
	Cycle  int64
	Script []ReplayObject
}

// DefaultReplayConfig is the stock dev-mode scene: three staggered objects
// that stay long enough to pass the stability gate and leave long enough
// to be evicted.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		FPS:    10,
		Width:  640,
		Height: 480,
		Cycle:  220,
		Script: []ReplayObject{
			{ID: 1, Label: "bottle", Enter: 0, Exit: 120, Box: Box{X1: 40, Y1: 60, X2: 200, Y2: 300}},
			{ID: 2, Label: "cup", Enter: 25, Exit: 150, Box: Box{X1: 260, Y1: 120, X2: 420, Y2: 320}},
			{ID: 3, Label: "box", Enter: 60, Exit: 180, Box: Box{X1: 440, Y1: 80, X2: 620, Y2: 360}},
		},
	}
}

// ReplaySource synthesizes a paced detection feed for dev mode, so the
// whole engine can run without a camera, detector, or recognition service.
type ReplaySource struct {
	cfg    ReplayConfig
	frames chan Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReplaySource creates a replay source. Zero-value config fields fall
// back to DefaultReplayConfig.
func NewReplaySource(cfg ReplayConfig) *ReplaySource {
	def := DefaultReplayConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.Cycle <= 0 {
		cfg.Cycle = def.Cycle
	}
	if len(cfg.Script) == 0 {
		cfg.Script = def.Script
	}
	return &ReplaySource{
		cfg:    cfg,
		frames: make(chan Frame, 1),
	}
}

// Frames returns the frame channel. Closed on Stop.
func (s *ReplaySource) Frames() <-chan Frame { return s.frames }

// Start launches the paced generator goroutine.
func (s *ReplaySource) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.frames)
		s.run(ctx)
	}()
	return nil
}

// Stop halts the generator and waits for it to exit.
func (s *ReplaySource) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

func (s *ReplaySource) run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.FPS), 1)

	for seq := int64(0); ; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		frame := s.buildFrame(seq)
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// buildFrame assembles the synthetic frame for seq. Each cycle rebases the
// script ids so every reappearance is a brand-new identity, matching how a
// real tracker assigns fresh ids after a long absence.
func (s *ReplaySource) buildFrame(seq int64) Frame {
	phase := seq % s.cfg.Cycle
	cycle := seq / s.cfg.Cycle

	var dets []Detection
	for _, obj := range s.cfg.Script {
		if phase < obj.Enter || phase >= obj.Exit {
			continue
		}
		dets = append(dets, Detection{
			TrackID:    obj.ID + cycle*1000,
			Box:        obj.Box,
			Label:      obj.Label,
			Confidence: 0.9,
		})
	}

	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	// Flat dark background; enough for real crops without drawing a scene.
	bg := color.RGBA{R: 24, G: 26, B: 30, A: 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = bg.R
		img.Pix[i+1] = bg.G
		img.Pix[i+2] = bg.B
		img.Pix[i+3] = bg.A
	}

	return Frame{
		Seq:        seq,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Image:      img,
		Detections: dets,
	}
}

var _ Source = (*FeedSource)(nil)
var _ Source = (*ReplaySource)(nil)
