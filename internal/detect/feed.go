package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"log"
	"net"
	"sync"
)

// Logf is the package logging hook. Swap it out in tests to silence or
// capture output.
var Logf = log.Printf

// scanner limits for feed lines: frames carrying a base64 JPEG routinely
// run into the megabytes.
const (
	feedScanInitial = 64 * 1024
	feedScanMax     = 16 * 1024 * 1024
)

// Source produces detection frames for the engine. Exactly one consumer
// reads Frames; the channel closes when the source stops.
type Source interface {
	Frames() <-chan Frame
	Start(ctx context.Context) error
	Stop()
}

// wireFrame is the NDJSON line format of the feed: one JSON object per
// frame, pixels optional.
type wireFrame struct {
	Seq        int64       `json:"seq"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	JPEG       string      `json:"jpeg,omitempty"` // base64 JPEG of the full frame
	Detections []Detection `json:"detections"`
}

// FeedSource listens on a TCP address for an NDJSON detection stream from
// the external detector process. One producer connection is served at a
// time; when it drops, the listener waits for the next one.
type FeedSource struct {
	addr     string
	frames   chan Frame
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// NewFeedSource creates a feed listening on addr (e.g. ":9000").
func NewFeedSource(addr string) *FeedSource {
	return &FeedSource{
		addr:   addr,
		frames: make(chan Frame, 1),
	}
}

// Frames returns the frame channel. Closed on Stop or listener failure.
func (s *FeedSource) Frames() <-chan Frame { return s.frames }

// Start binds the listener and launches the accept loop.
func (s *FeedSource) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.frames)
		s.acceptLoop(ctx)
	}()

	Logf("detection feed listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address, useful with ":0".
func (s *FeedSource) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for the reader to finish.
func (s *FeedSource) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *FeedSource) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				Logf("detection feed accept: %v", err)
			}
			return
		}
		Logf("detection feed connected from %s", conn.RemoteAddr())
		s.readConn(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		Logf("detection feed from %s ended, waiting for next producer", conn.RemoteAddr())
	}
}

// readConn scans NDJSON lines off one producer connection. The blocking
// scan runs in its own goroutine so the outer loop can observe context
// cancellation promptly.
func (s *FeedSource) readConn(ctx context.Context, conn net.Conn) {
	scan := bufio.NewScanner(conn)
	scan.Buffer(make([]byte, 0, feedScanInitial), feedScanMax)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-scanErrChan:
			Logf("detection feed read: %v", err)
			return

		case line, ok := <-lineChan:
			if !ok {
				return
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			frame, err := decodeWireFrame(line)
			if err != nil {
				Logf("detection feed: bad frame skipped: %v", err)
				continue
			}
			select {
			case s.frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// decodeWireFrame parses one NDJSON line. A frame with an undecodable JPEG
// keeps its detections and carries a nil image.
func decodeWireFrame(line []byte) (Frame, error) {
	var wf wireFrame
	if err := json.Unmarshal(line, &wf); err != nil {
		return Frame{}, fmt.Errorf("decode frame json: %w", err)
	}

	frame := Frame{
		Seq:        wf.Seq,
		Width:      wf.Width,
		Height:     wf.Height,
		Detections: wf.Detections,
	}

	if wf.JPEG != "" {
		raw, err := base64.StdEncoding.DecodeString(wf.JPEG)
		if err != nil {
			Logf("detection feed: frame %d jpeg base64: %v", wf.Seq, err)
			return frame, nil
		}
		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			Logf("detection feed: frame %d jpeg decode: %v", wf.Seq, err)
			return frame, nil
		}
		frame.Image = img
		if frame.Width == 0 || frame.Height == 0 {
			frame.Width = img.Bounds().Dx()
			frame.Height = img.Bounds().Dy()
		}
	}

	return frame, nil
}
