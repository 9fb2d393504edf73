package failover

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"watchkeeper/internal/lifecycle"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
	"watchkeeper/pkg/monitoring"
)

// Scenes is the supervisor's scene surface. The failover manager never
// touches the engine directly; scene changes go through arbitration.
type Scenes interface {
	ToFailover(ctx context.Context) error
	ToTechnical(ctx context.Context) error
	Restore(ctx context.Context) error
}

// Records is the store surface for outage bookkeeping.
type Records interface {
	OpenDowntime(ctx context.Context, sessionID, cause string, startedAt time.Time) (*models.DowntimeEvent, error)
	ResolveDowntime(ctx context.Context, id string, endedAt time.Time, recoveryAction string, automatic bool) error
}

// SessionRef ties outages back to the running session.
type SessionRef interface {
	CurrentSessionID() string
	AddDowntime(ctx context.Context, seconds int64)
}

// sceneSwitchBudget is the ceiling for detection-to-switch latency.
// Switches past it still happen; they are logged and counted as misses.
const sceneSwitchBudget = 5 * time.Second

// consecutiveDegradedLimit is how many degraded samples in a row count
// as a network fault rather than a blip.
const consecutiveDegradedLimit = 3

type handlerFunc func(ctx context.Context, signal models.Signal) error

// Manager reacts to fault signals. Each fault kind has exactly one
// handler; unknown kinds are a programming error and are logged loudly.
type Manager struct {
	scenes    Scenes
	records   Records
	session   SessionRef
	lifecycle lifecycle.Manager
	logger    logging.Logger

	handlers    map[models.FaultKind]handlerFunc
	maxRestarts int

	mu           sync.Mutex
	open         *models.DowntimeEvent
	lastResolved *models.DowntimeEvent
	restartCount int
	degradedRun  int
	terminal     bool

	faultCounter  *prometheus.CounterVec
	switchLatency *prometheus.HistogramVec
}

type Config struct {
	MaxEngineRestarts int
	Logger            logging.Logger
}

func NewManager(scenes Scenes, records Records, session SessionRef, lc lifecycle.Manager, metrics *monitoring.MetricsCollector, cfg Config) *Manager {
	if cfg.MaxEngineRestarts <= 0 {
		cfg.MaxEngineRestarts = 3
	}
	m := &Manager{
		scenes:      scenes,
		records:     records,
		session:     session,
		lifecycle:   lc,
		logger:      cfg.Logger,
		maxRestarts: cfg.MaxEngineRestarts,
	}
	m.handlers = map[models.FaultKind]handlerFunc{
		models.FaultContent:     m.handleContentFault,
		models.FaultEngine:      m.handleEngineFault,
		models.FaultDestination: m.handleDestinationFault,
		models.FaultNetwork:     m.handleNetworkFault,
		models.FaultManualStop:  m.handleManualStop,
	}
	if metrics != nil {
		m.faultCounter = metrics.NewCounter("failover_faults_total", "Faults handled by kind", []string{"kind"})
		m.switchLatency = metrics.NewHistogram("failover_switch_seconds", "Detection-to-switch latency",
			[]string{"kind"}, []float64{0.5, 1, 2, 5, 10})
	}
	return m
}

// Terminal reports whether the manager has given up on automatic
// recovery and parked the broadcast on the technical scene.
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// OpenOutage returns a copy of the outage in progress, if any.
func (m *Manager) OpenOutage() *models.DowntimeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil {
		return nil
	}
	copied := *m.open
	return &copied
}

// LastResolved returns a copy of the most recently closed outage, nil
// when none has resolved yet.
func (m *Manager) LastResolved() *models.DowntimeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastResolved == nil {
		return nil
	}
	copied := *m.lastResolved
	return &copied
}

// Run consumes signals until ctx is done, then flushes the open outage.
func (m *Manager) Run(ctx context.Context, signals <-chan models.Signal) {
	for {
		select {
		case <-ctx.Done():
			m.flushOpen()
			return
		case signal, ok := <-signals:
			if !ok {
				m.flushOpen()
				return
			}
			m.Handle(ctx, signal)
		}
	}
}

// flushOpen closes the outage record at shutdown so a clean exit never
// leaves one dangling. The terminal outage stays open for the operator.
// Uses a fresh context: the run context is already cancelled.
func (m *Manager) flushOpen() {
	m.mu.Lock()
	if m.terminal || m.open == nil {
		m.mu.Unlock()
		return
	}
	event := m.open
	m.open = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.records.ResolveDowntime(ctx, event.ID, time.Now(), "supervisor shutdown", false); err != nil {
		m.logger.WithError(err).Warn("Failed to close outage at shutdown")
		return
	}
	m.logger.WithField("event_id", event.ID).Info("Outage closed at shutdown")
}

// Handle dispatches one signal.
func (m *Manager) Handle(ctx context.Context, signal models.Signal) {
	switch signal.Kind {
	case models.SignalHealthy:
		m.handleRecovery(ctx, signal, "recovered")
		return
	case models.SignalDestinationRestored:
		m.handleRecovery(ctx, signal, "destination restored")
		return
	case models.SignalDegradedQuality:
		m.mu.Lock()
		m.degradedRun++
		run := m.degradedRun
		m.mu.Unlock()
		if run < consecutiveDegradedLimit {
			m.logger.WithField("run", run).Debug("Degraded sample, below fault threshold")
			return
		}
		m.dispatch(ctx, models.FaultNetwork, signal)
		return
	case models.SignalPossibleFailure:
		m.dispatch(ctx, models.FaultEngine, signal)
		return
	case models.SignalContentFailure:
		m.dispatch(ctx, models.FaultContent, signal)
		return
	case models.SignalDestinationLost:
		m.dispatch(ctx, models.FaultDestination, signal)
		return
	case models.SignalManualStop:
		m.dispatch(ctx, models.FaultManualStop, signal)
		return
	default:
		m.logger.WithField("signal", signal.Kind.String()).Error("No handler for signal")
	}
}

func (m *Manager) dispatch(ctx context.Context, kind models.FaultKind, signal models.Signal) {
	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		m.logger.WithField("fault", kind.String()).Warn("Terminal state, ignoring fault")
		return
	}
	m.mu.Unlock()

	handler, ok := m.handlers[kind]
	if !ok {
		m.logger.WithField("fault", kind.String()).Error("No handler for fault kind")
		return
	}

	if m.faultCounter != nil {
		m.faultCounter.WithLabelValues(kind.String()).Inc()
	}
	m.openOutage(ctx, kind, signal)

	if err := handler(ctx, signal); err != nil {
		m.logger.WithError(err).WithField("fault", kind.String()).Error("Fault handler failed")
	}

	latency := time.Since(signal.At)
	if m.switchLatency != nil {
		m.switchLatency.WithLabelValues(kind.String()).Observe(latency.Seconds())
	}
	if latency > sceneSwitchBudget {
		m.logger.WithFields(logging.Fields{
			"fault":   kind.String(),
			"latency": latency.String(),
		}).Warn("Fault handled past the switch budget")
	}
}

// openOutage starts the downtime record for a fault, once per outage.
// Overlapping faults fold into the first open event.
func (m *Manager) openOutage(ctx context.Context, kind models.FaultKind, signal models.Signal) {
	m.mu.Lock()
	if m.open != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	sessionID := m.session.CurrentSessionID()
	if sessionID == "" {
		return
	}
	event, err := m.records.OpenDowntime(ctx, sessionID, kind.Cause(), signal.At)
	if err != nil {
		m.logger.WithError(err).Error("Failed to open downtime record")
		return
	}

	m.mu.Lock()
	m.open = event
	m.mu.Unlock()

	m.logger.WithFields(logging.Fields{
		"event_id": event.ID,
		"cause":    event.Cause,
	}).Warn("Outage started")
}

// handleRecovery closes the open outage and restores the normal scene.
func (m *Manager) handleRecovery(ctx context.Context, signal models.Signal, action string) {
	m.mu.Lock()
	m.degradedRun = 0
	event := m.open
	m.open = nil
	terminal := m.terminal
	m.mu.Unlock()

	if event == nil || terminal {
		return
	}

	manual := event.Cause == models.CauseManualStop
	if err := m.records.ResolveDowntime(ctx, event.ID, signal.At, action, !manual); err != nil {
		m.logger.WithError(err).Error("Failed to resolve downtime record")
	}
	downSec := int64(signal.At.Sub(event.StartedAt).Seconds())
	if downSec > 0 {
		m.session.AddDowntime(ctx, downSec)
	}

	resolved := *event
	resolved.EndedAt = &signal.At
	resolved.RecoveryAction = action
	resolved.AutomaticRecovery = !manual

	m.mu.Lock()
	m.restartCount = 0
	m.lastResolved = &resolved
	m.mu.Unlock()

	if err := m.scenes.Restore(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to restore scene after recovery")
	}
	m.logger.WithFields(logging.Fields{
		"event_id":     event.ID,
		"downtime_sec": downSec,
	}).Info("Outage resolved")
}

// handleContentFault parks the broadcast on the failover scene, which
// plays pre-positioned local content and needs nothing upstream.
func (m *Manager) handleContentFault(ctx context.Context, _ models.Signal) error {
	return m.scenes.ToFailover(ctx)
}

// handleEngineFault restarts the engine, up to the cap. Past the cap
// the broadcast parks on the technical scene and waits for a human.
func (m *Manager) handleEngineFault(ctx context.Context, _ models.Signal) error {
	m.mu.Lock()
	m.restartCount++
	count := m.restartCount
	m.mu.Unlock()

	if count > m.maxRestarts {
		m.logger.WithField("restarts", count-1).Error("Engine restart cap reached, going terminal")
		m.enterTerminal(ctx)
		return nil
	}

	m.logger.WithFields(logging.Fields{
		"attempt": count,
		"max":     m.maxRestarts,
	}).Warn("Restarting unresponsive engine")
	return m.lifecycle.Restart(ctx)
}

// handleDestinationFault records the drop and lets the engine's own
// reconnect loop work. Switching scenes cannot help a dead uplink.
func (m *Manager) handleDestinationFault(_ context.Context, signal models.Signal) error {
	m.logger.WithField("detail", signal.Detail).Warn("Destination connection lost, engine is reconnecting")
	return nil
}

func (m *Manager) handleNetworkFault(_ context.Context, signal models.Signal) error {
	m.logger.WithField("detail", signal.Detail).Warn("Sustained quality degradation")
	return nil
}

// handleManualStop only records. The session manager already restarts
// the stream; the record keeps the intervention in the uptime report.
func (m *Manager) handleManualStop(_ context.Context, signal models.Signal) error {
	m.logger.WithField("detail", signal.Detail).Warn("Manual stream stop recorded")
	return nil
}

func (m *Manager) enterTerminal(ctx context.Context) {
	m.mu.Lock()
	m.terminal = true
	m.mu.Unlock()

	if err := m.scenes.ToTechnical(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to switch to technical difficulties scene")
	}
}
