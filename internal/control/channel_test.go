package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

// fakeEngine is a minimal control-protocol server for channel tests.
type fakeEngine struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu          sync.Mutex
	scenes      map[string]bool
	activeScene string
	conns       []*websocket.Conn
	createCalls int
}

func newFakeEngine(t *testing.T) *fakeEngine {
	return &fakeEngine{
		t:           t,
		scenes:      map[string]bool{"automated": true},
		activeScene: "automated",
	}
}

func (f *fakeEngine) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != typeRequest {
			continue
		}
		resp := wireMessage{Type: typeResponse, RequestID: msg.RequestID, Status: "ok"}
		switch msg.Op {
		case OpCreateScene:
			var params struct {
				Name      string `json:"name"`
				IfMissing bool   `json:"if_missing"`
			}
			_ = json.Unmarshal(msg.Data, &params)
			f.mu.Lock()
			f.createCalls++
			if !f.scenes[params.Name] {
				f.scenes[params.Name] = true
			}
			f.mu.Unlock()
		case OpListScenes:
			f.mu.Lock()
			var scenes []Scene
			for name := range f.scenes {
				scenes = append(scenes, Scene{Name: name})
			}
			f.mu.Unlock()
			resp.Data, _ = json.Marshal(map[string]any{"scenes": scenes})
		case OpSetActiveScene:
			var params struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(msg.Data, &params)
			f.mu.Lock()
			f.activeScene = params.Name
			f.mu.Unlock()
		case OpGetActiveScene:
			f.mu.Lock()
			resp.Data, _ = json.Marshal(map[string]string{"name": f.activeScene})
			f.mu.Unlock()
		case OpStreamStatus:
			resp.Data, _ = json.Marshal(StreamStatus{
				Streaming:        true,
				StreamingStatus:  "streaming",
				ConnectionStatus: "connected",
				ActiveScene:      "automated",
				BitrateKbps:      4500,
			})
		case "explode":
			resp.Status = "error"
			resp.Error = "no such op"
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// emitEvent pushes an event to every connected client.
func (f *fakeEngine) emitEvent(kind string, payload any) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.WriteJSON(wireMessage{Type: typeEvent, Event: kind, Data: data})
	}
}

func startChannel(t *testing.T, engine *fakeEngine) (*Channel, context.CancelFunc) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(engine.handler))
	t.Cleanup(srv.Close)

	ch := NewChannel(Config{
		URL:           srv.URL,
		Logger:        logging.NewLogger(),
		CallTimeout:   2 * time.Second,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go ch.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for !ch.Connected() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("channel did not connect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ch, cancel
}

func TestCallRoundtrip(t *testing.T) {
	engine := newFakeEngine(t)
	ch, cancel := startChannel(t, engine)
	defer cancel()

	status, err := ch.GetStreamStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Streaming || status.BitrateKbps != 4500 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCallWhenDisconnected(t *testing.T) {
	ch := NewChannel(Config{URL: "http://127.0.0.1:1", Logger: logging.NewLogger()})

	err := ch.SetActiveScene(context.Background(), "owner")
	var fault *models.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a fault, got %v", err)
	}
	if fault.Kind != models.FaultChannel {
		t.Fatalf("expected channel fault, got %s", fault.Kind)
	}
}

func TestCreateSceneIdempotent(t *testing.T) {
	engine := newFakeEngine(t)
	ch, cancel := startChannel(t, engine)
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := ch.CreateScene(ctx, "failover"); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	engine.mu.Lock()
	sceneCount := len(engine.scenes)
	calls := engine.createCalls
	engine.mu.Unlock()
	if sceneCount != 2 {
		t.Fatalf("expected 2 scenes, got %d", sceneCount)
	}
	if calls != 2 {
		t.Fatalf("expected both calls to reach the engine, got %d", calls)
	}
}

func TestSetAndReadBackActiveScene(t *testing.T) {
	engine := newFakeEngine(t)
	ch, cancel := startChannel(t, engine)
	defer cancel()

	ctx := context.Background()
	if err := ch.SetActiveScene(ctx, "owner"); err != nil {
		t.Fatalf("set scene: %v", err)
	}
	got, err := ch.GetActiveScene(ctx)
	if err != nil {
		t.Fatalf("get scene: %v", err)
	}
	if got != "owner" {
		t.Fatalf("expected owner, got %q", got)
	}
}

func TestEngineErrorIsNotAFault(t *testing.T) {
	engine := newFakeEngine(t)
	ch, cancel := startChannel(t, engine)
	defer cancel()

	err := ch.Call(context.Background(), "explode", nil, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	var fault *models.Fault
	if errors.As(err, &fault) {
		t.Fatalf("engine rejection must not be a channel fault: %v", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	engine := newFakeEngine(t)
	ch, cancel := startChannel(t, engine)
	defer cancel()

	events, unsub := ch.Subscribe(EventStreamingState)
	defer unsub()

	engine.emitEvent(EventStreamingState, map[string]string{"status": "stopped"})

	select {
	case ev := <-events:
		status, err := DecodeStateEvent(ev)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status != "stopped" {
			t.Fatalf("expected stopped, got %q", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestChannelStateEventOnDisconnect(t *testing.T) {
	engine := newFakeEngine(t)
	ch, cancel := startChannel(t, engine)
	defer cancel()

	events, unsub := ch.Subscribe(EventChannelState)
	defer unsub()

	engine.mu.Lock()
	for _, conn := range engine.conns {
		_ = conn.Close()
	}
	engine.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			status, _ := DecodeStateEvent(ev)
			if status == "disconnected" {
				return
			}
		case <-deadline:
			t.Fatalf("no disconnect event observed")
		}
	}
}

func TestReconnectStateTracksSchedule(t *testing.T) {
	r := newReconnectState(time.Second)

	attempts, next := r.State()
	if attempts != 0 || next != time.Second {
		t.Fatalf("unexpected initial schedule: %d %v", attempts, next)
	}

	r.scheduled(3, 4*time.Second)
	attempts, next = r.State()
	if attempts != 3 || next != 4*time.Second {
		t.Fatalf("scheduled retry not tracked: %d %v", attempts, next)
	}

	r.connected()
	attempts, next = r.State()
	if attempts != 0 || next != time.Second {
		t.Fatalf("connect did not restore schedule: %d %v", attempts, next)
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	engine := newFakeEngine(t)
	ch, cancel := startChannel(t, engine)
	defer cancel()

	engine.mu.Lock()
	for _, conn := range engine.conns {
		_ = conn.Close()
	}
	engine.mu.Unlock()

	// The retry policy redials the still-running server.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if ch.Connected() {
			if _, err := ch.GetStreamStatus(context.Background()); err == nil {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("channel did not reconnect after the socket dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
