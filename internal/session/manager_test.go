package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"watchkeeper/internal/control"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

type fakeEngine struct {
	status     *control.StreamStatus
	statusErr  error
	startCalls int
	stopCalls  int
	startErr   error
}

func (f *fakeEngine) StartStreaming(context.Context) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.status = &control.StreamStatus{
		Streaming:        true,
		StreamingStatus:  models.StreamingStreaming,
		ConnectionStatus: models.ConnectionConnected,
	}
	return nil
}

func (f *fakeEngine) StopStreaming(context.Context) error {
	f.stopCalls++
	f.status = &control.StreamStatus{StreamingStatus: models.StreamingStopped}
	return nil
}

func (f *fakeEngine) GetStreamStatus(context.Context) (*control.StreamStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status == nil {
		return &control.StreamStatus{StreamingStatus: models.StreamingStopped}, nil
	}
	return f.status, nil
}

type fakeSessions struct {
	open    *models.StreamSession
	created []*models.StreamSession
	closed  []string
	updated int
}

func (f *fakeSessions) CreateSession(_ context.Context, startedAt time.Time) (*models.StreamSession, error) {
	session := &models.StreamSession{ID: "sess-new", StartedAt: startedAt}
	f.created = append(f.created, session)
	return session, nil
}

func (f *fakeSessions) CloseSession(_ context.Context, id string, _ time.Time) error {
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeSessions) UpdateSessionStats(_ context.Context, _ *models.StreamSession) error {
	f.updated++
	return nil
}

func (f *fakeSessions) OpenSession(context.Context) (*models.StreamSession, error) {
	if f.open == nil {
		return nil, errors.New("record not found")
	}
	return f.open, nil
}

func newTestManager(engine *fakeEngine, store *fakeSessions, signals chan models.Signal) *Manager {
	return NewManager(engine, store, signals, Config{
		PollInterval:  time.Second,
		RetryInterval: time.Second,
		Logger:        logging.NewLogger(),
	})
}

func TestStartCreatesSessionAndGoesLive(t *testing.T) {
	engine := &fakeEngine{}
	store := &fakeSessions{}
	m := newTestManager(engine, store, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if m.State() != StateLive {
		t.Fatalf("expected live, got %s", m.State())
	}
	if len(store.created) != 1 || m.CurrentSessionID() != "sess-new" {
		t.Fatalf("expected a new session, got %+v", store.created)
	}
	if engine.startCalls != 1 {
		t.Fatalf("expected one start call, got %d", engine.startCalls)
	}
}

func TestStartAdoptsOpenSession(t *testing.T) {
	engine := &fakeEngine{}
	store := &fakeSessions{open: &models.StreamSession{ID: "sess-old", StartedAt: time.Now().Add(-time.Hour)}}
	m := newTestManager(engine, store, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if m.CurrentSessionID() != "sess-old" {
		t.Fatalf("expected adopted session, got %q", m.CurrentSessionID())
	}
	if len(store.created) != 0 {
		t.Fatal("no new session should be created when one is open")
	}
}

func TestObserveOutOfBandStopRestartsAndSignals(t *testing.T) {
	engine := &fakeEngine{}
	store := &fakeSessions{}
	signals := make(chan models.Signal, 4)
	m := newTestManager(engine, store, signals)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	// Somebody stopped the stream at the engine.
	engine.status = &control.StreamStatus{Streaming: false, StreamingStatus: models.StreamingStopped}
	m.observe(context.Background(), engine.status)

	select {
	case signal := <-signals:
		if signal.Kind != models.SignalManualStop {
			t.Fatalf("expected manual-stop signal, got %s", signal.Kind)
		}
	default:
		t.Fatal("expected a manual-stop signal")
	}
	if engine.startCalls != 2 {
		t.Fatalf("expected an immediate restart, got %d start calls", engine.startCalls)
	}
	if m.State() != StateLive {
		t.Fatalf("expected live after restart, got %s", m.State())
	}
}

func TestObserveAccumulatesStats(t *testing.T) {
	engine := &fakeEngine{}
	store := &fakeSessions{}
	m := newTestManager(engine, store, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	m.observe(context.Background(), &control.StreamStatus{Streaming: true, BitrateKbps: 4000})
	m.observe(context.Background(), &control.StreamStatus{Streaming: true, BitrateKbps: 5000})

	session := m.Session()
	if session.SampleCount != 2 {
		t.Fatalf("expected 2 samples, got %d", session.SampleCount)
	}
	if session.AvgBitrateKbps != 4500 {
		t.Fatalf("expected avg 4500, got %.1f", session.AvgBitrateKbps)
	}
	if store.updated != 2 {
		t.Fatalf("expected stats persisted per sample, got %d", store.updated)
	}
}

func TestShutdownStopsStreamAndClosesSession(t *testing.T) {
	engine := &fakeEngine{}
	store := &fakeSessions{}
	m := newTestManager(engine, store, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if engine.stopCalls != 1 {
		t.Fatalf("expected deliberate stop on shutdown, got %d", engine.stopCalls)
	}
	if len(store.closed) != 1 || store.closed[0] != "sess-new" {
		t.Fatalf("expected session closed, got %v", store.closed)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle after shutdown, got %s", m.State())
	}
}

func TestReconnectingTightensPollCadence(t *testing.T) {
	engine := &fakeEngine{}
	m := NewManager(engine, &fakeSessions{}, nil, Config{
		PollInterval:  30 * time.Second,
		RetryInterval: 10 * time.Second,
		Logger:        logging.NewLogger(),
	})

	if m.interval() != 30*time.Second {
		t.Fatalf("expected the status interval while up, got %v", m.interval())
	}

	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()
	if m.interval() != 10*time.Second {
		t.Fatalf("expected the retry interval while down, got %v", m.interval())
	}

	m.mu.Lock()
	m.state = StateLive
	m.mu.Unlock()
	if m.interval() != 30*time.Second {
		t.Fatalf("expected the status interval after recovery, got %v", m.interval())
	}
}

func TestReconnectingRetriesAtRetryInterval(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("engine refuses")}
	m := NewManager(engine, &fakeSessions{}, nil, Config{
		PollInterval:  time.Minute,
		RetryInterval: 5 * time.Millisecond,
		Logger:        logging.NewLogger(),
	})
	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	// At the minute-long poll interval not a single attempt would fit.
	if engine.startCalls < 3 {
		t.Fatalf("expected repeated restart attempts while down, got %d", engine.startCalls)
	}
}

func TestAddDowntime(t *testing.T) {
	engine := &fakeEngine{}
	store := &fakeSessions{}
	m := newTestManager(engine, store, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	m.AddDowntime(context.Background(), 42)

	if got := m.Session().DowntimeDurationSec; got != 42 {
		t.Fatalf("expected 42s downtime, got %d", got)
	}
}
