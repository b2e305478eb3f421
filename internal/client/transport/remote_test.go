package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atinyakov/CipherSync/internal/models"
	"github.com/atinyakov/CipherSync/internal/syncer"
)

// roundTripperFunc lets a plain function stand in for the network.
type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(fn roundTripperFunc) *http.Client {
	return &http.Client{Transport: fn, Timeout: time.Second}
}

func respond(code int, body string) (*http.Response, error) {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestFetch_NetworkError(t *testing.T) {
	r := NewHTTPRemote(newTestClient(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("network down")
	}), "http://example.com", nil)

	_, err := r.Fetch(context.Background(), 0)
	if !errors.Is(err, syncer.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestFetch_ServerError(t *testing.T) {
	r := NewHTTPRemote(newTestClient(func(*http.Request) (*http.Response, error) {
		return respond(http.StatusInternalServerError, "internal error\n")
	}), "http://example.com", nil)

	_, err := r.Fetch(context.Background(), 0)
	if !errors.Is(err, syncer.ErrTransport) || !strings.Contains(err.Error(), "server error 500: internal error") {
		t.Errorf("expected server error, got %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code      int
		transport bool
		rejected  bool
	}{
		{http.StatusBadRequest, false, true},
		{http.StatusRequestEntityTooLarge, false, true},
		{http.StatusUnauthorized, false, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusServiceUnavailable, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			r := NewHTTPRemote(newTestClient(func(*http.Request) (*http.Response, error) {
				return respond(tt.code, "nope")
			}), "http://example.com", nil)

			_, err := r.Push(context.Background(), models.PushRequest{ReplicaID: "r1"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, syncer.ErrTransport); got != tt.transport {
				t.Errorf("errors.Is(ErrTransport) = %v, want %v (%v)", got, tt.transport, err)
			}
			if got := errors.Is(err, syncer.ErrRejected); got != tt.rejected {
				t.Errorf("errors.Is(ErrRejected) = %v, want %v (%v)", got, tt.rejected, err)
			}
		})
	}
}

func TestFetch_InvalidJSON(t *testing.T) {
	r := NewHTTPRemote(newTestClient(func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, "not-json")
	}), "http://example.com", nil)

	_, err := r.Fetch(context.Background(), 0)
	if !errors.Is(err, syncer.ErrTransport) || !strings.Contains(err.Error(), "invalid response") {
		t.Errorf("expected JSON decode error, got %v", err)
	}
}

func TestFetch_Success(t *testing.T) {
	r := NewHTTPRemote(newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodGet || req.URL.String() != "http://example.com/api/changes?since=7" {
			t.Errorf("unexpected request: %s %s", req.Method, req.URL)
		}
		return respond(http.StatusOK, `{"changes":[{"cursor":8,"key":"k","op":"insert","timestamp":5,"seq":2,"replica_id":"r1","value":"AQI="}],"head":8}`)
	}), "http://example.com/", nil)

	got, err := r.Fetch(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Head != 8 || len(got.Changes) != 1 {
		t.Fatalf("unexpected response: %+v", got)
	}
	ch := got.Changes[0]
	if ch.Key != "k" || ch.Op != "insert" || ch.Seq != 2 || ch.ReplicaID != "r1" || string(ch.Value) != "\x01\x02" {
		t.Errorf("unexpected change: %+v", ch)
	}
}

func TestPush_Conflict(t *testing.T) {
	r := NewHTTPRemote(newTestClient(func(*http.Request) (*http.Response, error) {
		return respond(http.StatusConflict, "head moved\n")
	}), "http://example.com", nil)

	_, err := r.Push(context.Background(), models.PushRequest{BaseCursor: 1})
	if !errors.Is(err, syncer.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
	if errors.Is(err, syncer.ErrTransport) {
		t.Errorf("conflict must not look like a transport error: %v", err)
	}
}

func TestPush_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/changes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		var req models.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request failed: %v", err)
		}
		if req.BaseCursor != 3 || req.ReplicaID != "r1" || len(req.Changes) != 2 {
			t.Errorf("unexpected request payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(models.PushResponse{Cursor: 5})
	}))
	defer ts.Close()

	r := NewHTTPRemote(ts.Client(), ts.URL, nil)
	got, err := r.Push(context.Background(), models.PushRequest{
		BaseCursor: 3,
		ReplicaID:  "r1",
		Changes: []models.Change{
			{Key: "a", Op: "update", Timestamp: 1, Seq: 1, ReplicaID: "r1", Value: []byte("x")},
			{Key: "b", Op: "delete", Timestamp: 2, Seq: 2, ReplicaID: "r1"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cursor != 5 {
		t.Errorf("expected cursor 5, got %d", got.Cursor)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPRemote(ts.Client(), ts.URL, nil).Fetch(ctx, 0)
	if !errors.Is(err, syncer.ErrTransport) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled transport error, got %v", err)
	}
}
