package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"watchkeeper/internal/models"
	"watchkeeper/internal/session"
	"watchkeeper/internal/store"
	"watchkeeper/pkg/logging"
)

// ControlState exposes control channel health to the status endpoint.
type ControlState interface {
	Connected() bool
	BackoffState() (attempts int, next time.Duration)
}

// BroadcastState exposes the session manager.
type BroadcastState interface {
	State() session.State
	Session() *models.StreamSession
}

// FailoverState exposes the failover manager.
type FailoverState interface {
	Terminal() bool
	OpenOutage() *models.DowntimeEvent
	LastResolved() *models.DowntimeEvent
}

// HealthState exposes the monitor's most recent sample.
type HealthState interface {
	Latest() *models.HealthMetric
}

// OwnerState exposes the owner detector.
type OwnerState interface {
	Active() bool
}

// SceneState exposes the supervisor's confirmed scene.
type SceneState interface {
	CurrentScene() string
}

// Reporter builds uptime reports from the record store.
type Reporter interface {
	BuildUptimeReport(ctx context.Context, since, now time.Time) (*store.UptimeReport, error)
}

// Handlers serves the operator surface.
type Handlers struct {
	control   ControlState
	broadcast BroadcastState
	failover  FailoverState
	owner     OwnerState
	scene     SceneState
	health    HealthState
	reporter  Reporter
	logger    logging.Logger
}

func New(control ControlState, broadcast BroadcastState, failover FailoverState, owner OwnerState, scene SceneState, health HealthState, reporter Reporter, logger logging.Logger) *Handlers {
	return &Handlers{
		control:   control,
		broadcast: broadcast,
		failover:  failover,
		owner:     owner,
		scene:     scene,
		health:    health,
		reporter:  reporter,
		logger:    logger,
	}
}

// Register mounts the operator routes.
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/status", h.Status)
	router.GET("/reports/uptime", h.UptimeReport)
}

// StatusResponse is the live snapshot of the supervised broadcast.
type StatusResponse struct {
	ChannelConnected  bool                  `json:"channel_connected"`
	ReconnectAttempts int                   `json:"reconnect_attempts,omitempty"`
	NextReconnect     string                `json:"next_reconnect,omitempty"`
	BroadcastState    string                `json:"broadcast_state"`
	ActiveScene       string                `json:"active_scene"`
	Terminal          bool                  `json:"terminal"`
	OwnerLive         bool                  `json:"owner_live"`
	Session           *models.StreamSession `json:"session,omitempty"`
	OpenOutage        *models.DowntimeEvent `json:"open_outage,omitempty"`
	UptimePct         float64               `json:"uptime_pct"`
	Quality           *QualitySnapshot      `json:"quality,omitempty"`
	LastFailover      *FailoverSnapshot     `json:"last_failover,omitempty"`
}

// QualitySnapshot carries the most recent health sample.
type QualitySnapshot struct {
	BitrateKbps      float64 `json:"bitrate_kbps"`
	DroppedFramesPct float64 `json:"dropped_frames_pct"`
	CPUPct           float64 `json:"cpu_pct"`
	ConnectionStatus string  `json:"connection_status"`
}

// FailoverSnapshot summarizes the last resolved outage.
type FailoverSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Cause       string    `json:"cause"`
	RecoverySec float64   `json:"recovery_sec"`
}

// Status returns the current supervision snapshot.
func (h *Handlers) Status(c *gin.Context) {
	resp := StatusResponse{
		ChannelConnected: h.control.Connected(),
		BroadcastState:   h.broadcast.State().String(),
		ActiveScene:      h.scene.CurrentScene(),
		Terminal:         h.failover.Terminal(),
		OwnerLive:        h.owner.Active(),
		OpenOutage:       h.failover.OpenOutage(),
		UptimePct:        100,
	}
	if !resp.ChannelConnected {
		attempts, next := h.control.BackoffState()
		resp.ReconnectAttempts = attempts
		resp.NextReconnect = next.String()
	}
	if sess := h.broadcast.Session(); sess != nil {
		resp.Session = sess
		resp.UptimePct = sess.UptimePct()
	}
	if metric := h.health.Latest(); metric != nil {
		resp.Quality = &QualitySnapshot{
			BitrateKbps:      metric.BitrateKbps,
			DroppedFramesPct: metric.DroppedFramesPct,
			CPUPct:           metric.CPUPct,
			ConnectionStatus: metric.ConnectionStatus,
		}
	}
	if event := h.failover.LastResolved(); event != nil {
		snapshot := &FailoverSnapshot{
			Timestamp: event.StartedAt,
			Cause:     event.Cause,
		}
		if event.EndedAt != nil {
			snapshot.RecoverySec = event.EndedAt.Sub(event.StartedAt).Seconds()
		}
		resp.LastFailover = snapshot
	}
	c.JSON(http.StatusOK, resp)
}

// UptimeReport returns availability over a window (default 24h).
func (h *Handlers) UptimeReport(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window, expected a duration like 24h"})
			return
		}
		window = parsed
	}

	now := time.Now()
	report, err := h.reporter.BuildUptimeReport(c.Request.Context(), now.Add(-window), now)
	if err != nil {
		h.logger.WithError(err).Error("Failed to build uptime report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build uptime report"})
		return
	}
	c.JSON(http.StatusOK, report)
}
