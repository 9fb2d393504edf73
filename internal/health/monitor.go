package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"watchkeeper/internal/control"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
	"watchkeeper/pkg/monitoring"
)

// StatusGetter is the slice of the control protocol the monitor needs.
type StatusGetter interface {
	GetStreamStatus(ctx context.Context) (*control.StreamStatus, error)
}

// MetricSink persists health samples.
type MetricSink interface {
	InsertHealthMetric(ctx context.Context, m models.HealthMetric) error
}

// Monitor samples broadcast health on a fixed cadence, persists every
// sample, exports gauges, and raises signals when quality degrades or
// the engine stops answering.
type Monitor struct {
	engine  StatusGetter
	sink    MetricSink
	signals chan<- models.Signal
	logger  logging.Logger

	interval   time.Duration
	droppedMax float64
	silenceMax time.Duration

	// sessionID resolves the session a sample belongs to; empty means
	// no session is open and sampling pauses.
	sessionID func() string

	lastResponse time.Time

	mu     sync.Mutex
	latest *models.HealthMetric

	bitrateGauge   *prometheus.GaugeVec
	droppedGauge   *prometheus.GaugeVec
	cpuGauge       *prometheus.GaugeVec
	streamingGauge *prometheus.GaugeVec
}

type Config struct {
	Interval         time.Duration
	DroppedFramesMax float64
	SilenceMax       time.Duration
	SessionID        func() string
	Logger           logging.Logger
}

func NewMonitor(engine StatusGetter, sink MetricSink, signals chan<- models.Signal, metrics *monitoring.MetricsCollector, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.DroppedFramesMax <= 0 {
		cfg.DroppedFramesMax = 1.0
	}
	if cfg.SilenceMax <= 0 {
		cfg.SilenceMax = 30 * time.Second
	}
	m := &Monitor{
		engine:     engine,
		sink:       sink,
		signals:    signals,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		droppedMax: cfg.DroppedFramesMax,
		silenceMax: cfg.SilenceMax,
		sessionID:  cfg.SessionID,
	}
	if metrics != nil {
		m.bitrateGauge = metrics.NewGauge("broadcast_bitrate_kbps", "Current broadcast bitrate in kbps", []string{"scene"})
		m.droppedGauge = metrics.NewGauge("broadcast_dropped_frames_pct", "Dropped frames percentage", []string{"scene"})
		m.cpuGauge = metrics.NewGauge("broadcast_engine_cpu_pct", "Engine CPU usage percentage", []string{"scene"})
		m.streamingGauge = metrics.NewGauge("broadcast_streaming", "1 while the engine reports streaming", nil)
	}
	return m
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.lastResponse = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	sessionID := m.sessionID()
	if sessionID == "" {
		return
	}

	now := time.Now()
	status, err := m.engine.GetStreamStatus(ctx)
	for _, signal := range m.evaluate(status, err, now) {
		m.emit(signal)
	}
	if err != nil {
		m.logger.WithError(err).Debug("Health sample failed")
		return
	}

	metric := models.HealthMetric{
		SessionID:        sessionID,
		Timestamp:        now,
		BitrateKbps:      status.BitrateKbps,
		DroppedFramesPct: status.DroppedFramesPct,
		CPUPct:           status.CPUPct,
		ActiveScene:      status.ActiveScene,
		ConnectionStatus: status.ConnectionStatus,
		StreamingStatus:  status.StreamingStatus,
	}
	m.mu.Lock()
	m.latest = &metric
	m.mu.Unlock()

	if err := m.sink.InsertHealthMetric(ctx, metric); err != nil {
		m.logger.WithError(err).Warn("Failed to persist health sample")
	}
	m.export(status)
}

// Latest returns a copy of the most recent sample, nil before the
// first one.
func (m *Monitor) Latest() *models.HealthMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil
	}
	copied := *m.latest
	return &copied
}

// evaluate turns one sample into signals. Time flows in as a parameter
// so tests can drive the silence window directly.
func (m *Monitor) evaluate(status *control.StreamStatus, err error, now time.Time) []models.Signal {
	if err != nil {
		if m.lastResponse.IsZero() {
			m.lastResponse = now
		}
		silent := now.Sub(m.lastResponse)
		if silent > m.silenceMax {
			return []models.Signal{{
				Kind:   models.SignalPossibleFailure,
				At:     now,
				Detail: "engine unresponsive for " + silent.Truncate(time.Second).String(),
			}}
		}
		return nil
	}

	m.lastResponse = now

	var signals []models.Signal
	metric := models.HealthMetric{
		Timestamp:        now,
		BitrateKbps:      status.BitrateKbps,
		DroppedFramesPct: status.DroppedFramesPct,
		CPUPct:           status.CPUPct,
		ConnectionStatus: status.ConnectionStatus,
		StreamingStatus:  status.StreamingStatus,
	}

	if status.DroppedFramesPct > m.droppedMax {
		signals = append(signals, models.Signal{
			Kind:   models.SignalDegradedQuality,
			At:     now,
			Detail: "dropped frames above threshold",
			Metric: &metric,
		})
	}
	if metric.Healthy() && len(signals) == 0 {
		signals = append(signals, models.Signal{
			Kind:   models.SignalHealthy,
			At:     now,
			Metric: &metric,
		})
	}
	return signals
}

func (m *Monitor) emit(signal models.Signal) {
	select {
	case m.signals <- signal:
	default:
		m.logger.WithField("signal", signal.Kind.String()).Warn("Signal channel full, dropping")
	}
}

func (m *Monitor) export(status *control.StreamStatus) {
	if m.bitrateGauge == nil {
		return
	}
	m.bitrateGauge.WithLabelValues(status.ActiveScene).Set(status.BitrateKbps)
	m.droppedGauge.WithLabelValues(status.ActiveScene).Set(status.DroppedFramesPct)
	m.cpuGauge.WithLabelValues(status.ActiveScene).Set(status.CPUPct)
	streaming := 0.0
	if status.Streaming {
		streaming = 1.0
	}
	m.streamingGauge.WithLabelValues().Set(streaming)
}
