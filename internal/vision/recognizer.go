package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keystone-vision/shelfwatch/internal/httputil"
)

// Recognition error taxonomy. Backends signal these three conditions;
// everything else is treated as ErrBackendUnavailable by the HTTP client.
var (
	// ErrCapacityExhausted means the backend's rate/quota budget is used up.
	// The worker retries it with backend failover and a cooldown.
	ErrCapacityExhausted = errors.New("vision: backend capacity exhausted")

	// ErrBackendUnavailable covers transient or unknown backend failures.
	// Not retried; the task records a terminal failure.
	ErrBackendUnavailable = errors.New("vision: backend unavailable")

	// ErrBackendNotFound means the backend id does not exist. During
	// startup probing this permanently excludes the backend.
	ErrBackendNotFound = errors.New("vision: backend not found")
)

// Recognizer resolves an image crop plus a coarse label hint into a precise
// product label, addressed to one backend of the rotation. Probe issues a
// minimal call to check a backend exists at all.
type Recognizer interface {
	Recognize(ctx context.Context, backend string, crop image.Image, hint string) (string, error)
	Probe(ctx context.Context, backend string) error
}

// HTTPRecognizer talks to a recognition service over JSON/HTTP. The service
// multiplexes several model backends addressed by id in the URL path.
type HTTPRecognizer struct {
	base   string
	client httputil.HTTPClient
}

// NewHTTPRecognizer creates a client for the recognition service at base
// (e.g. "http://recognizer:7700"). Per-call deadlines come from the caller's
// context; client may be nil for the default HTTP client.
func NewHTTPRecognizer(base string, client httputil.HTTPClient) *HTTPRecognizer {
	if isNilInterface(client) {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPRecognizer{
		base:   strings.TrimRight(base, "/"),
		client: client,
	}
}

type recognizeRequest struct {
	Image string `json:"image,omitempty"` // base64 JPEG; omitted when no crop is available
	Hint  string `json:"hint"`
}

type recognizeResponse struct {
	Label string `json:"label"`
}

// Recognize posts the crop and hint to the named backend and returns the
// label. HTTP statuses map onto the recognition error taxonomy: 404 is
// ErrBackendNotFound, 429 is ErrCapacityExhausted, any other non-2xx is
// ErrBackendUnavailable.
func (r *HTTPRecognizer) Recognize(ctx context.Context, backend string, crop image.Image, hint string) (string, error) {
	req := recognizeRequest{Hint: hint}
	if crop != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, crop, nil); err != nil {
			return "", fmt.Errorf("encode crop: %w", err)
		}
		req.Image = base64.StdEncoding.EncodeToString(buf.Bytes())
	}

	var resp recognizeResponse
	if err := r.post(ctx, backend, req, &resp); err != nil {
		return "", err
	}
	if resp.Label == "" {
		return "", fmt.Errorf("%w: empty label from backend %s", ErrBackendUnavailable, backend)
	}
	return resp.Label, nil
}

// Probe issues a minimal recognition call so startup can tell absent
// backends from merely busy ones.
func (r *HTTPRecognizer) Probe(ctx context.Context, backend string) error {
	probe := image.NewRGBA(image.Rect(0, 0, 1, 1))
	_, err := r.Recognize(ctx, backend, probe, "ping")
	return err
}

func (r *HTTPRecognizer) post(ctx context.Context, backend string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/backends/%s/recognize", r.base, backend)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrBackendNotFound, backend)
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrCapacityExhausted, backend)
	case httpResp.StatusCode < 200 || httpResp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 256))
		return fmt.Errorf("%w: %s returned %d: %s", ErrBackendUnavailable, backend, httpResp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// StaticRecognizer is the dev-mode stand-in for the recognition service.
// It resolves coarse labels from a fixed table after an artificial delay,
// so the full dispatch path can be exercised without external calls.
type StaticRecognizer struct {
	Labels  map[string]string
	Latency time.Duration
}

// DefaultStaticLabels is the dev-mode coarse-to-product table.
func DefaultStaticLabels() map[string]string {
	return map[string]string{
		"bottle": "CoffeeCo Cold Brew 330ml",
		"cup":    "Keystone Ceramic Mug",
		"box":    "SnackWorks Crisps Multipack",
		"can":    "Fizzio Citrus 250ml",
		"book":   "Field Notes A5",
	}
}

func (s *StaticRecognizer) Recognize(ctx context.Context, backend string, crop image.Image, hint string) (string, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
		}
	}
	if label, ok := s.Labels[strings.ToLower(hint)]; ok {
		return label, nil
	}
	return "Generic " + hint, nil
}

func (s *StaticRecognizer) Probe(ctx context.Context, backend string) error {
	return nil
}

var _ Recognizer = (*HTTPRecognizer)(nil)
var _ Recognizer = (*StaticRecognizer)(nil)
