package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStandardClientWraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)

	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
}

func TestStandardClientNilDefaults(t *testing.T) {
	client := NewStandardClient(nil)
	if client.Client != http.DefaultClient {
		t.Error("nil should wrap http.DefaultClient")
	}
}

func TestStandardClientDo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("accepted"))
	}))
	defer server.Close()

	client := NewStandardClient(nil)
	req, err := http.NewRequest(http.MethodPut, server.URL+"/resource", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "accepted" {
		t.Errorf("got body %q, want 'accepted'", string(body))
	}
}

func TestMockClientQueueOrder(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "first")
	mock.AddResponse(http.StatusTooManyRequests, "second")

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/1", nil)
	resp1, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	if string(body1) != "first" {
		t.Errorf("first response: got %q, want 'first'", string(body1))
	}

	req2, _ := http.NewRequest(http.MethodGet, "http://example.com/2", nil)
	resp2, err := mock.Do(req2)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second response: got status %d, want %d", resp2.StatusCode, http.StatusTooManyRequests)
	}

	if mock.RequestCount() != 2 {
		t.Errorf("got %d requests, want 2", mock.RequestCount())
	}
}

func TestMockClientErrorResponse(t *testing.T) {
	mock := NewMockHTTPClient()
	expectedErr := errors.New("connection refused")
	mock.AddErrorResponse(expectedErr)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	_, err := mock.Do(req)
	if err != expectedErr {
		t.Errorf("got error %v, want %v", err, expectedErr)
	}
}

func TestMockClientDefaultResponse(t *testing.T) {
	// Nothing queued: every request gets an empty 200.
	mock := NewMockHTTPClient()

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestMockClientRecordsRequestBody(t *testing.T) {
	mock := NewMockHTTPClient()

	req, _ := http.NewRequest(http.MethodPost, "http://example.com/api", strings.NewReader(`{"hint":"bottle"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	got := mock.GetRequest(0)
	if got == nil {
		t.Fatal("expected request to be recorded")
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("got Content-Type %q", got.Header.Get("Content-Type"))
	}
	if body := mock.GetRequestBody(0); body != `{"hint":"bottle"}` {
		t.Errorf("got body %q", body)
	}
}

func TestMockClientOutOfRangeAccessors(t *testing.T) {
	mock := NewMockHTTPClient()

	if mock.GetRequest(0) != nil {
		t.Error("GetRequest on empty mock should return nil")
	}
	if mock.GetRequest(-1) != nil {
		t.Error("GetRequest with negative index should return nil")
	}
	if mock.GetRequestBody(0) != "" {
		t.Error("GetRequestBody on empty mock should return empty string")
	}
}
