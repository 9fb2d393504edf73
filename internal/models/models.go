package models

import "time"

// Scene purposes as declared in the scene configuration.
const (
	ScenePurposeAutomated = "automated"
	ScenePurposeOwner     = "owner"
	ScenePurposeFailover  = "failover"
	ScenePurposeTechnical = "technical-difficulties"
	ScenePurposeGoingLive = "going-live-soon"
)

// Downtime causes. The set is closed; FaultKind mirrors it for dispatch.
const (
	CauseConnectionLost     = "connection-lost"
	CauseEngineUnresponsive = "engine-unresponsive"
	CauseContentFailure     = "content-failure"
	CauseNetworkDegraded    = "network-degraded"
	CauseManualStop         = "manual-stop"
)

// Connection status values reported by the broadcast engine.
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
	ConnectionDegraded     = "degraded"
)

// Streaming status values reported by the broadcast engine.
const (
	StreamingStreaming = "streaming"
	StreamingStopped   = "stopped"
	StreamingStarting  = "starting"
	StreamingStopping  = "stopping"
)

// StreamSession is one continuous broadcast attempt.
type StreamSession struct {
	ID                  string     `json:"id"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	TotalDurationSec    int64      `json:"total_duration_sec"`
	DowntimeDurationSec int64      `json:"downtime_duration_sec"`
	AvgBitrateKbps      float64    `json:"avg_bitrate_kbps"`
	AvgDroppedFramesPct float64    `json:"avg_dropped_frames_pct"`
	SampleCount         int64      `json:"sample_count"`
}

// UptimePct returns the session's uptime percentage, clamped to [0,100].
func (s StreamSession) UptimePct() float64 {
	if s.TotalDurationSec <= 0 {
		return 100
	}
	down := s.DowntimeDurationSec
	if down > s.TotalDurationSec {
		down = s.TotalDurationSec
	}
	return float64(s.TotalDurationSec-down) / float64(s.TotalDurationSec) * 100
}

// DowntimeEvent is one fault-to-recovery interval. Rows are never
// deleted; they are the uptime audit trail.
type DowntimeEvent struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	Cause              string     `json:"cause"`
	RecoveryAction     string     `json:"recovery_action"`
	AutomaticRecovery  bool       `json:"automatic_recovery"`
	ManualIntervention bool       `json:"manual_intervention"`
}

// HealthMetric is one sample of broadcast health. Immutable once written.
type HealthMetric struct {
	SessionID        string    `json:"session_id"`
	Timestamp        time.Time `json:"timestamp"`
	BitrateKbps      float64   `json:"bitrate_kbps"`
	DroppedFramesPct float64   `json:"dropped_frames_pct"`
	CPUPct           float64   `json:"cpu_pct"`
	ActiveScene      string    `json:"active_scene"`
	ConnectionStatus string    `json:"connection_status"`
	StreamingStatus  string    `json:"streaming_status"`
}

// Healthy reports whether the sample shows the broadcast fully on air.
func (m HealthMetric) Healthy() bool {
	return m.StreamingStatus == StreamingStreaming && m.ConnectionStatus == ConnectionConnected
}

// OwnerSession is one operator takeover interval.
type OwnerSession struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	ContentInterrupted string     `json:"content_interrupted,omitempty"`
	ResumeContent      string     `json:"resume_content,omitempty"`
	TransitionTimeSec  float64    `json:"transition_time_sec"`
}

// SceneConfig is required-scene bookkeeping, verified during preflight
// and re-verified periodically.
type SceneConfig struct {
	Name           string    `json:"name"`
	Purpose        string    `json:"purpose"`
	ExistsOnEngine bool      `json:"exists_on_engine"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// InitializationState is the append-only record of one preflight run.
type InitializationState struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Checks          map[string]bool `json:"checks"`
	OverallStatus   string          `json:"overall_status"` // passed | failed
	StreamStartedAt *time.Time      `json:"stream_started_at,omitempty"`
	FailureDetails  string          `json:"failure_details,omitempty"`
}

// OwnerSourceConfig is the static owner-presence detection configuration.
type OwnerSourceConfig struct {
	SourceNames     []string      `json:"source_names" yaml:"source_names"`
	DetectionMethod string        `json:"detection_method" yaml:"detection_method"`
	DebounceWindow  time.Duration `json:"debounce_window" yaml:"debounce_window"`
}

// PlayableItem is the opaque descriptor returned by the content provider.
type PlayableItem struct {
	FilePath    string            `json:"file_path"`
	DurationSec float64           `json:"duration_sec"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
