package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"watchkeeper/internal/models"
	"watchkeeper/pkg/clients"
	"watchkeeper/pkg/logging"
)

func newTestClient(srv *httptest.Server) *Client {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.MaxRetries = 1
	cfg.BaseDelay = 1
	return NewClient(srv.URL, "test-token", logging.NewLogger(),
		WithHTTPExecutor(clients.NewHTTPExecutor(cfg)))
}

func TestNextItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/playlist/next" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		json.NewEncoder(w).Encode(models.PlayableItem{
			FilePath:    "/media/episode-12.mp4",
			DurationSec: 1800,
		})
	}))
	defer srv.Close()

	item, err := newTestClient(srv).NextItem(context.Background())
	if err != nil {
		t.Fatalf("NextItem returned error: %v", err)
	}
	if item.FilePath != "/media/episode-12.mp4" {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestNextItemEmptyIsContentFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.PlayableItem{})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).NextItem(context.Background())
	var fault *models.Fault
	if !errors.As(err, &fault) || fault.Kind != models.FaultContent {
		t.Fatalf("expected content fault, got %v", err)
	}
}

func TestNextItemServerErrorRetriesThenFaults(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).NextItem(context.Background())
	var fault *models.Fault
	if !errors.As(err, &fault) || fault.Kind != models.FaultContent {
		t.Fatalf("expected content fault, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 1 retry (2 calls), got %d calls", calls)
	}
}

func TestReportFailure(t *testing.T) {
	var reported failureReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/playback/failures" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&reported)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newTestClient(srv).ReportFailure(context.Background(),
		&models.PlayableItem{FilePath: "/media/bad.mp4"}, "decode error")
	if err != nil {
		t.Fatalf("ReportFailure returned error: %v", err)
	}
	if reported.FilePath != "/media/bad.mp4" || reported.Reason != "decode error" {
		t.Fatalf("unexpected report: %+v", reported)
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := newTestClient(srv).Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy returned error: %v", err)
	}
}
