package preflight

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"watchkeeper/internal/config"
	"watchkeeper/internal/content"
	"watchkeeper/internal/control"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

// Engine is the slice of the control protocol preflight needs.
type Engine interface {
	ListScenes(ctx context.Context) ([]control.Scene, error)
	CreateScene(ctx context.Context, name string) error
	GetVideoSettings(ctx context.Context) (*control.VideoSettings, error)
	GetStreamStatus(ctx context.Context) (*control.StreamStatus, error)
}

// Recorder persists preflight outcomes.
type Recorder interface {
	UpsertSceneConfig(ctx context.Context, sc models.SceneConfig) error
	RecordInitialization(ctx context.Context, state models.InitializationState) error
}

// Check names, in execution order.
const (
	CheckEngineReachable   = "engine-reachable"
	CheckScenesVerified    = "scenes-verified"
	CheckFallbackContent   = "fallback-content"
	CheckDestinationConfig = "destination-credentials"
	CheckDestinationReach  = "destination-reachable"
	CheckVideoSettings     = "video-settings"
	CheckContentProvider   = "content-provider"
)

// Config holds the environment the checks validate against.
type Config struct {
	Scenes config.SceneSet
	// FallbackContentPath is the local file the failover scene plays.
	FallbackContentPath string
	// DestinationURL is the outbound endpoint the engine pushes to.
	DestinationURL string
	RetryDelay     time.Duration
	Logger         logging.Logger
}

// Validator runs the ordered startup checks. All checks must pass in a
// single run before any broadcast starts; a failed run is retried whole.
type Validator struct {
	engine   Engine
	provider content.Provider
	recorder Recorder
	cfg      Config
	logger   logging.Logger
}

func NewValidator(engine Engine, provider content.Provider, recorder Recorder, cfg Config) *Validator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	return &Validator{
		engine:   engine,
		provider: provider,
		recorder: recorder,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// Run loops RunOnce until a pass or until ctx is done. Every attempt is
// recorded, failures included.
func (v *Validator) Run(ctx context.Context) (*models.InitializationState, error) {
	for {
		state := v.RunOnce(ctx)
		if err := v.recorder.RecordInitialization(ctx, *state); err != nil {
			v.logger.WithError(err).Warn("Failed to record preflight attempt")
		}
		if state.OverallStatus == "passed" {
			v.logger.Info("Preflight checks passed")
			return state, nil
		}

		v.logger.WithFields(logging.Fields{
			"failure":     state.FailureDetails,
			"retry_delay": v.cfg.RetryDelay.String(),
		}).Warn("Preflight failed, will retry")

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(v.cfg.RetryDelay):
		}
	}
}

// RunOnce executes the checks in order, stopping at the first failure.
func (v *Validator) RunOnce(ctx context.Context) *models.InitializationState {
	state := &models.InitializationState{
		Timestamp: time.Now(),
		Checks:    make(map[string]bool),
	}

	type step struct {
		name string
		fn   func(context.Context) error
	}
	steps := []step{
		{CheckEngineReachable, v.checkEngineReachable},
		{CheckScenesVerified, v.checkScenes},
		{CheckFallbackContent, v.checkFallbackContent},
		{CheckDestinationConfig, v.checkDestinationConfig},
		{CheckDestinationReach, v.checkDestinationReachable},
		{CheckVideoSettings, v.checkVideoSettings},
		{CheckContentProvider, v.checkContentProvider},
	}

	for _, s := range steps {
		err := s.fn(ctx)
		state.Checks[s.name] = err == nil
		if err != nil {
			state.OverallStatus = "failed"
			state.FailureDetails = fmt.Sprintf("%s: %v", s.name, err)
			return state
		}
		v.logger.WithField("check", s.name).Debug("Preflight check passed")
	}

	state.OverallStatus = "passed"
	startedAt := time.Now()
	state.StreamStartedAt = &startedAt
	return state
}

func (v *Validator) checkEngineReachable(ctx context.Context) error {
	if _, err := v.engine.GetStreamStatus(ctx); err != nil {
		return err
	}
	return nil
}

// checkScenes verifies every required scene exists, creating missing
// ones. Creation is idempotent so concurrent or repeated runs converge.
func (v *Validator) checkScenes(ctx context.Context) error {
	existing, err := v.engine.ListScenes(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, scene := range existing {
		present[scene.Name] = true
	}

	for name, purpose := range v.cfg.Scenes.Names() {
		if name == "" {
			continue
		}
		if !present[name] {
			if err := v.engine.CreateScene(ctx, name); err != nil {
				return fmt.Errorf("create scene %q: %w", name, err)
			}
			v.logger.WithField("scene", name).Info("Created missing scene")
		}
		sc := models.SceneConfig{
			Name:           name,
			Purpose:        purpose,
			ExistsOnEngine: true,
			LastVerifiedAt: time.Now(),
		}
		if err := v.recorder.UpsertSceneConfig(ctx, sc); err != nil {
			return fmt.Errorf("record scene %q: %w", name, err)
		}
	}
	return nil
}

// checkFallbackContent confirms the failover scene's local file is in
// place before anything depends on it.
func (v *Validator) checkFallbackContent(_ context.Context) error {
	if v.cfg.FallbackContentPath == "" {
		return fmt.Errorf("fallback content path not configured")
	}
	info, err := os.Stat(v.cfg.FallbackContentPath)
	if err != nil {
		return fmt.Errorf("fallback content: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("fallback content %q is a directory", v.cfg.FallbackContentPath)
	}
	if info.Size() == 0 {
		return fmt.Errorf("fallback content %q is empty", v.cfg.FallbackContentPath)
	}
	return nil
}

func (v *Validator) checkDestinationConfig(_ context.Context) error {
	if v.cfg.DestinationURL == "" {
		return fmt.Errorf("destination URL not configured")
	}
	if _, err := destinationAddr(v.cfg.DestinationURL); err != nil {
		return err
	}
	return nil
}

// checkDestinationReachable opens and closes one TCP connection to the
// destination. The engine does the actual pushing; this only proves the
// network path exists before going on air.
func (v *Validator) checkDestinationReachable(ctx context.Context) error {
	addr, err := destinationAddr(v.cfg.DestinationURL)
	if err != nil {
		return err
	}
	var d net.Dialer
	d.Timeout = 5 * time.Second
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("destination unreachable: %w", err)
	}
	return conn.Close()
}

// destinationAddr resolves a destination URL to a host:port dial target.
func destinationAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("destination URL %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "rtmp":
			port = "1935"
		case "rtmps", "https":
			port = "443"
		case "http":
			port = "80"
		case "srt":
			port = "9710"
		default:
			return "", fmt.Errorf("destination URL %q has no port", raw)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func (v *Validator) checkVideoSettings(ctx context.Context) error {
	settings, err := v.engine.GetVideoSettings(ctx)
	if err != nil {
		return err
	}
	if settings.OutputWidth <= 0 || settings.OutputHeight <= 0 {
		return fmt.Errorf("invalid output geometry %dx%d", settings.OutputWidth, settings.OutputHeight)
	}
	if settings.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %.2f", settings.FPS)
	}
	return nil
}

func (v *Validator) checkContentProvider(ctx context.Context) error {
	if v.provider == nil {
		return nil
	}
	if err := v.provider.Healthy(ctx); err != nil {
		return err
	}
	if _, err := v.provider.NextItem(ctx); err != nil {
		return err
	}
	return nil
}
