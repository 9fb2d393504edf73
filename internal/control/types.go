package control

import "encoding/json"

// Operation names understood by the broadcast engine's control protocol.
const (
	OpListScenes        = "list_scenes"
	OpCreateScene       = "create_scene"
	OpSetActiveScene    = "set_active_scene"
	OpGetActiveScene    = "get_active_scene"
	OpSetSourceEnabled  = "set_source_enabled"
	OpGetSourceSettings = "get_source_settings"
	OpSetSourceSettings = "set_source_settings"
	OpGetSourceActive   = "get_source_active"
	OpStartStreaming    = "start_streaming"
	OpStopStreaming     = "stop_streaming"
	OpStreamStatus      = "stream_status"
	OpVideoSettings     = "video_settings"
)

// Event kinds published by the engine, plus the channel's own
// synthetic connection lifecycle events.
const (
	EventConnectionState = "connection-state"
	EventStreamingState  = "streaming-state"
	EventChannelState    = "channel-state"
)

// Message types on the wire.
const (
	typeRequest  = "request"
	typeResponse = "response"
	typeEvent    = "event"
)

// wireMessage is the single JSON envelope for requests, responses and
// events on the control socket.
type wireMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event is one engine event delivered to a subscriber.
type Event struct {
	Kind string
	Data json.RawMessage
}

// Scene describes one scene known to the engine.
type Scene struct {
	Name string `json:"name"`
}

// SourceActivity reports whether a named source is enabled and whether
// it carries a non-trivial signal (frames/audio actually flowing).
type SourceActivity struct {
	Active        bool `json:"active"`
	SignalPresent bool `json:"signal_present"`
}

// StreamStatus is the engine's combined streaming/health snapshot.
type StreamStatus struct {
	Streaming        bool    `json:"streaming"`
	StreamingStatus  string  `json:"streaming_status"`
	ConnectionStatus string  `json:"connection_status"`
	ActiveScene      string  `json:"active_scene"`
	BitrateKbps      float64 `json:"bitrate_kbps"`
	DroppedFramesPct float64 `json:"dropped_frames_pct"`
	CPUPct           float64 `json:"cpu_pct"`
}

// VideoSettings is the engine's canvas/output geometry.
type VideoSettings struct {
	BaseWidth    int     `json:"base_width"`
	BaseHeight   int     `json:"base_height"`
	OutputWidth  int     `json:"output_width"`
	OutputHeight int     `json:"output_height"`
	FPS          float64 `json:"fps"`
}
