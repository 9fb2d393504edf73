package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"watchkeeper/internal/models"
	"watchkeeper/internal/session"
	"watchkeeper/internal/store"
	"watchkeeper/pkg/logging"
)

type fakeControl struct {
	connected bool
	attempts  int
	next      time.Duration
}

func (f *fakeControl) Connected() bool { return f.connected }

func (f *fakeControl) BackoffState() (int, time.Duration) { return f.attempts, f.next }

type fakeBroadcast struct {
	state   session.State
	session *models.StreamSession
}

func (f *fakeBroadcast) State() session.State           { return f.state }
func (f *fakeBroadcast) Session() *models.StreamSession { return f.session }

type fakeFailover struct {
	terminal bool
	outage   *models.DowntimeEvent
	resolved *models.DowntimeEvent
}

func (f *fakeFailover) Terminal() bool                      { return f.terminal }
func (f *fakeFailover) OpenOutage() *models.DowntimeEvent   { return f.outage }
func (f *fakeFailover) LastResolved() *models.DowntimeEvent { return f.resolved }

type fakeOwner struct{ active bool }

func (f *fakeOwner) Active() bool { return f.active }

type fakeScene struct{ current string }

func (f *fakeScene) CurrentScene() string { return f.current }

type fakeHealth struct{ metric *models.HealthMetric }

func (f *fakeHealth) Latest() *models.HealthMetric { return f.metric }

type fakeReporter struct {
	report *store.UptimeReport
	err    error
	since  time.Time
}

func (f *fakeReporter) BuildUptimeReport(_ context.Context, since, _ time.Time) (*store.UptimeReport, error) {
	f.since = since
	return f.report, f.err
}

func setupRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.Register(router)
	return router
}

func TestStatusLive(t *testing.T) {
	h := New(
		&fakeControl{connected: true},
		&fakeBroadcast{
			state: session.StateLive,
			session: &models.StreamSession{
				ID:                  "sess-1",
				TotalDurationSec:    3600,
				DowntimeDurationSec: 36,
			},
		},
		&fakeFailover{},
		&fakeOwner{active: true},
		&fakeScene{current: "owner"},
		&fakeHealth{},
		&fakeReporter{},
		logging.NewLogger(),
	)
	router := setupRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.ChannelConnected || resp.BroadcastState != "live" || !resp.OwnerLive {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.ActiveScene != "owner" {
		t.Fatalf("expected owner scene, got %q", resp.ActiveScene)
	}
	if resp.UptimePct != 99 {
		t.Fatalf("expected 99%% uptime, got %.2f", resp.UptimePct)
	}
	if resp.ReconnectAttempts != 0 {
		t.Fatal("reconnect state should be omitted while connected")
	}
}

func TestStatusDisconnectedShowsBackoff(t *testing.T) {
	h := New(
		&fakeControl{connected: false, attempts: 4, next: 8 * time.Second},
		&fakeBroadcast{state: session.StateReconnecting},
		&fakeFailover{outage: &models.DowntimeEvent{ID: "evt-1", Cause: models.CauseConnectionLost}},
		&fakeOwner{},
		&fakeScene{current: "automated"},
		&fakeHealth{},
		&fakeReporter{},
		logging.NewLogger(),
	)
	router := setupRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ReconnectAttempts != 4 || resp.NextReconnect != "8s" {
		t.Fatalf("expected backoff state, got %+v", resp)
	}
	if resp.OpenOutage == nil || resp.OpenOutage.ID != "evt-1" {
		t.Fatalf("expected open outage in status, got %+v", resp.OpenOutage)
	}
}

func TestStatusCarriesQualityAndLastFailover(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(4 * time.Second)
	h := New(
		&fakeControl{connected: true},
		&fakeBroadcast{state: session.StateLive},
		&fakeFailover{resolved: &models.DowntimeEvent{
			ID:             "evt-9",
			StartedAt:      started,
			EndedAt:        &ended,
			Cause:          models.CauseContentFailure,
			RecoveryAction: "switched to failover scene",
		}},
		&fakeOwner{},
		&fakeScene{current: "automated"},
		&fakeHealth{metric: &models.HealthMetric{
			BitrateKbps:      4500,
			DroppedFramesPct: 0.4,
			CPUPct:           37.5,
			ConnectionStatus: models.ConnectionConnected,
		}},
		&fakeReporter{},
		logging.NewLogger(),
	)
	router := setupRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Quality == nil {
		t.Fatal("expected quality snapshot in status")
	}
	if resp.Quality.BitrateKbps != 4500 || resp.Quality.ConnectionStatus != models.ConnectionConnected {
		t.Fatalf("unexpected quality snapshot: %+v", resp.Quality)
	}
	if resp.LastFailover == nil {
		t.Fatal("expected last failover snapshot in status")
	}
	if resp.LastFailover.Cause != models.CauseContentFailure {
		t.Fatalf("unexpected failover cause: %q", resp.LastFailover.Cause)
	}
	if resp.LastFailover.RecoverySec != 4 {
		t.Fatalf("expected 4s recovery, got %.2f", resp.LastFailover.RecoverySec)
	}
	if !resp.LastFailover.Timestamp.Equal(started) {
		t.Fatalf("unexpected failover timestamp: %v", resp.LastFailover.Timestamp)
	}
}

func TestStatusOmitsQualityBeforeFirstSample(t *testing.T) {
	h := New(
		&fakeControl{connected: true},
		&fakeBroadcast{state: session.StateStarting},
		&fakeFailover{},
		&fakeOwner{},
		&fakeScene{current: "automated"},
		&fakeHealth{},
		&fakeReporter{},
		logging.NewLogger(),
	)
	router := setupRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if body := w.Body.String(); body == "" {
		t.Fatal("empty status body")
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Quality != nil || resp.LastFailover != nil {
		t.Fatalf("expected no snapshots before samples, got %+v", resp)
	}
}

func TestUptimeReportDefaultWindow(t *testing.T) {
	reporter := &fakeReporter{report: &store.UptimeReport{UptimePct: 99.5, OutageCount: 2}}
	h := New(&fakeControl{}, &fakeBroadcast{}, &fakeFailover{}, &fakeOwner{}, &fakeScene{}, &fakeHealth{}, reporter, logging.NewLogger())
	router := setupRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/uptime", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report store.UptimeReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.UptimePct != 99.5 || report.OutageCount != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	window := time.Since(reporter.since)
	if window < 23*time.Hour || window > 25*time.Hour {
		t.Fatalf("expected ~24h default window, got %v", window)
	}
}

func TestUptimeReportCustomWindow(t *testing.T) {
	reporter := &fakeReporter{report: &store.UptimeReport{}}
	h := New(&fakeControl{}, &fakeBroadcast{}, &fakeFailover{}, &fakeOwner{}, &fakeScene{}, &fakeHealth{}, reporter, logging.NewLogger())
	router := setupRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/uptime?window=1h", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	window := time.Since(reporter.since)
	if window < 59*time.Minute || window > 61*time.Minute {
		t.Fatalf("expected ~1h window, got %v", window)
	}
}

func TestUptimeReportBadWindow(t *testing.T) {
	h := New(&fakeControl{}, &fakeBroadcast{}, &fakeFailover{}, &fakeOwner{}, &fakeScene{}, &fakeHealth{}, &fakeReporter{}, logging.NewLogger())
	router := setupRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/uptime?window=banana", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUptimeReportStoreError(t *testing.T) {
	reporter := &fakeReporter{err: errors.New("db down")}
	h := New(&fakeControl{}, &fakeBroadcast{}, &fakeFailover{}, &fakeOwner{}, &fakeScene{}, &fakeHealth{}, reporter, logging.NewLogger())
	router := setupRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/uptime", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
