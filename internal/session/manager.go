package session

import (
	"context"
	"sync"
	"time"

	"watchkeeper/internal/control"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

// State of the broadcast lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Engine is the slice of the control protocol the session manager needs.
type Engine interface {
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context) error
	GetStreamStatus(ctx context.Context) (*control.StreamStatus, error)
}

// Sessions is the store surface for session records.
type Sessions interface {
	CreateSession(ctx context.Context, startedAt time.Time) (*models.StreamSession, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time) error
	UpdateSessionStats(ctx context.Context, session *models.StreamSession) error
	OpenSession(ctx context.Context) (*models.StreamSession, error)
}

type Config struct {
	PollInterval  time.Duration
	RetryInterval time.Duration
	Logger        logging.Logger
}

// Manager keeps the broadcast running. It owns the session record, the
// start/stop calls, and the reaction to the stream going down for any
// reason it can see through status polls.
type Manager struct {
	engine  Engine
	store   Sessions
	signals chan<- models.Signal
	logger  logging.Logger

	pollInterval  time.Duration
	retryInterval time.Duration

	mu       sync.Mutex
	state    State
	session  *models.StreamSession
	stopping bool
}

func NewManager(engine Engine, store Sessions, signals chan<- models.Signal, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	return &Manager{
		engine:        engine,
		store:         store,
		signals:       signals,
		logger:        cfg.Logger,
		pollInterval:  cfg.PollInterval,
		retryInterval: cfg.RetryInterval,
		state:         StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentSessionID returns the open session's ID, or empty when idle.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}

// Session returns a copy of the current session record.
func (m *Manager) Session() *models.StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// Start ensures a session record exists and brings the stream up. A
// session left open by a crashed run is adopted instead of duplicated.
func (m *Manager) Start(ctx context.Context) error {
	session, err := m.store.OpenSession(ctx)
	if err == nil {
		m.logger.WithField("session_id", session.ID).Warn("Adopting session left open by previous run")
	} else {
		session, err = m.store.CreateSession(ctx, time.Now())
		if err != nil {
			return err
		}
		m.logger.WithField("session_id", session.ID).Info("Opened new broadcast session")
	}

	m.mu.Lock()
	m.session = session
	m.state = StateStarting
	m.mu.Unlock()

	return m.bringUp(ctx)
}

// bringUp starts streaming and confirms the engine reports it.
func (m *Manager) bringUp(ctx context.Context) error {
	if err := m.engine.StartStreaming(ctx); err != nil {
		return err
	}
	status, err := m.engine.GetStreamStatus(ctx)
	if err != nil {
		return err
	}
	if !status.Streaming && status.StreamingStatus != models.StreamingStarting {
		return models.NewFault(models.FaultEngine, "engine did not start streaming", nil)
	}

	m.mu.Lock()
	m.state = StateLive
	m.mu.Unlock()
	m.logger.Info("Broadcast is live")
	return nil
}

// Run polls the stream and recovers it when it goes down. Blocks until
// ctx is done, then stops the stream and closes the session.
func (m *Manager) Run(ctx context.Context) {
	timer := time.NewTimer(m.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-timer.C:
			m.poll(ctx)
			timer.Reset(m.interval())
		}
	}
}

// interval is the poll cadence: the tight retry interval while the
// stream is down, the regular status interval otherwise.
func (m *Manager) interval() time.Duration {
	if m.State() == StateReconnecting {
		return m.retryInterval
	}
	return m.pollInterval
}

func (m *Manager) poll(ctx context.Context) {
	status, err := m.engine.GetStreamStatus(ctx)
	if err != nil {
		// The health monitor owns unresponsiveness detection.
		m.logger.WithError(err).Debug("Status poll failed")
		return
	}
	m.observe(ctx, status)
}

// observe applies one status snapshot to the state machine.
func (m *Manager) observe(ctx context.Context, status *control.StreamStatus) {
	m.mu.Lock()
	state := m.state
	stopping := m.stopping
	m.mu.Unlock()

	if stopping || state == StateIdle {
		return
	}

	if status.Streaming {
		m.updateStats(ctx, status)
		if state != StateLive {
			m.mu.Lock()
			m.state = StateLive
			m.mu.Unlock()
			m.logger.Info("Broadcast recovered")
		}
		return
	}

	if state == StateLive {
		// The stream stopped without us asking. A human with engine
		// access is the usual culprit; the channel must not stay dark.
		m.logger.Warn("Stream stopped out of band, restarting")
		m.emit(models.Signal{
			Kind:   models.SignalManualStop,
			At:     time.Now(),
			Detail: "streaming stopped without a supervisor request",
		})
		m.mu.Lock()
		m.state = StateReconnecting
		m.mu.Unlock()
	}

	m.retryStart(ctx)
}

// retryStart attempts one restart, bounded by the retry interval. Run
// repolls at that same interval while the stream is down.
func (m *Manager) retryStart(ctx context.Context) {
	retryCtx, cancel := context.WithTimeout(ctx, m.retryInterval)
	defer cancel()

	if err := m.bringUp(retryCtx); err != nil {
		m.logger.WithError(err).Warn("Stream restart attempt failed")
	}
}

// updateStats folds one good sample into the session's running
// aggregates and persists them.
func (m *Manager) updateStats(ctx context.Context, status *control.StreamStatus) {
	m.mu.Lock()
	session := m.session
	if session == nil {
		m.mu.Unlock()
		return
	}
	n := float64(session.SampleCount)
	session.AvgBitrateKbps = (session.AvgBitrateKbps*n + status.BitrateKbps) / (n + 1)
	session.AvgDroppedFramesPct = (session.AvgDroppedFramesPct*n + status.DroppedFramesPct) / (n + 1)
	session.SampleCount++
	session.TotalDurationSec = int64(time.Since(session.StartedAt).Seconds())
	copied := *session
	m.mu.Unlock()

	if err := m.store.UpdateSessionStats(ctx, &copied); err != nil {
		m.logger.WithError(err).Warn("Failed to persist session stats")
	}
}

// AddDowntime accrues resolved outage time against the session.
func (m *Manager) AddDowntime(ctx context.Context, seconds int64) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.DowntimeDurationSec += seconds
	copied := *m.session
	m.mu.Unlock()

	if err := m.store.UpdateSessionStats(ctx, &copied); err != nil {
		m.logger.WithError(err).Warn("Failed to persist session downtime")
	}
}

// shutdown stops the stream deliberately and closes the session record.
// Uses a fresh context: the run context is already cancelled.
func (m *Manager) shutdown() {
	m.mu.Lock()
	m.stopping = true
	session := m.session
	m.session = nil
	m.state = StateIdle
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.engine.StopStreaming(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to stop stream on shutdown")
	}
	if session != nil {
		session.TotalDurationSec = int64(time.Since(session.StartedAt).Seconds())
		if err := m.store.UpdateSessionStats(ctx, session); err != nil {
			m.logger.WithError(err).Warn("Failed to persist final session stats")
		}
		if err := m.store.CloseSession(ctx, session.ID, time.Now()); err != nil {
			m.logger.WithError(err).Warn("Failed to close session record")
		}
		m.logger.WithFields(logging.Fields{
			"session_id": session.ID,
			"uptime_pct": session.UptimePct(),
		}).Info("Broadcast session closed")
	}
}

func (m *Manager) emit(signal models.Signal) {
	if m.signals == nil {
		return
	}
	select {
	case m.signals <- signal:
	default:
		m.logger.WithField("signal", signal.Kind.String()).Warn("Signal channel full, dropping")
	}
}
