package control

import (
	"context"
	"encoding/json"
)

// Typed wrappers over the raw control protocol operations.

// ListScenes returns every scene configured on the engine.
func (c *Channel) ListScenes(ctx context.Context) ([]Scene, error) {
	var out struct {
		Scenes []Scene `json:"scenes"`
	}
	if err := c.Call(ctx, OpListScenes, nil, &out); err != nil {
		return nil, err
	}
	return out.Scenes, nil
}

// CreateScene creates a scene if it does not already exist. The engine
// treats the call as a no-op for existing scenes; it never overwrites.
func (c *Channel) CreateScene(ctx context.Context, name string) error {
	params := map[string]any{"name": name, "if_missing": true}
	return c.Call(ctx, OpCreateScene, params, nil)
}

// SetActiveScene switches the engine's program output to the named scene.
func (c *Channel) SetActiveScene(ctx context.Context, name string) error {
	return c.Call(ctx, OpSetActiveScene, map[string]string{"name": name}, nil)
}

// GetActiveScene reads back the scene currently on program output.
func (c *Channel) GetActiveScene(ctx context.Context) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.Call(ctx, OpGetActiveScene, nil, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// SetSourceEnabled enables or disables a named source.
func (c *Channel) SetSourceEnabled(ctx context.Context, source string, enabled bool) error {
	params := map[string]any{"source": source, "enabled": enabled}
	return c.Call(ctx, OpSetSourceEnabled, params, nil)
}

// GetSourceSettings fetches a named source's settings blob.
func (c *Channel) GetSourceSettings(ctx context.Context, source string) (map[string]any, error) {
	var out struct {
		Settings map[string]any `json:"settings"`
	}
	params := map[string]string{"source": source}
	if err := c.Call(ctx, OpGetSourceSettings, params, &out); err != nil {
		return nil, err
	}
	return out.Settings, nil
}

// SetSourceSettings applies a partial settings update to a named
// source. Used for text overlays and playback transform updates.
func (c *Channel) SetSourceSettings(ctx context.Context, source string, settings map[string]any) error {
	params := map[string]any{"source": source, "settings": settings}
	return c.Call(ctx, OpSetSourceSettings, params, nil)
}

// GetSourceActive reports whether a source is enabled and carrying
// a real signal.
func (c *Channel) GetSourceActive(ctx context.Context, source string) (*SourceActivity, error) {
	var out SourceActivity
	params := map[string]string{"source": source}
	if err := c.Call(ctx, OpGetSourceActive, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartStreaming starts the outbound broadcast.
func (c *Channel) StartStreaming(ctx context.Context) error {
	return c.Call(ctx, OpStartStreaming, nil, nil)
}

// StopStreaming stops the outbound broadcast.
func (c *Channel) StopStreaming(ctx context.Context) error {
	return c.Call(ctx, OpStopStreaming, nil, nil)
}

// GetStreamStatus fetches the engine's combined health snapshot.
func (c *Channel) GetStreamStatus(ctx context.Context) (*StreamStatus, error) {
	var out StreamStatus
	if err := c.Call(ctx, OpStreamStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVideoSettings fetches the engine's canvas geometry.
func (c *Channel) GetVideoSettings(ctx context.Context) (*VideoSettings, error) {
	var out VideoSettings
	if err := c.Call(ctx, OpVideoSettings, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeStateEvent extracts the status field from a connection-state or
// streaming-state event payload.
func DecodeStateEvent(ev Event) (string, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return "", err
	}
	return payload.Status, nil
}
