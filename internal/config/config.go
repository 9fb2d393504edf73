package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"watchkeeper/internal/models"
	"watchkeeper/pkg/config"
)

// SceneSet names the four scenes the supervisor needs on the engine.
type SceneSet struct {
	Automated string `yaml:"automated"`
	Owner     string `yaml:"owner"`
	Failover  string `yaml:"failover"`
	Technical string `yaml:"technical_difficulties"`

	// GoingLiveSoon is shown while waiting for an owner broadcast that
	// announced itself but is not properly live yet. Defaults to Owner.
	GoingLiveSoon string `yaml:"going_live_soon"`
}

// Names returns every configured scene with its purpose.
func (s SceneSet) Names() map[string]string {
	names := map[string]string{
		s.Automated: models.ScenePurposeAutomated,
		s.Owner:     models.ScenePurposeOwner,
		s.Failover:  models.ScenePurposeFailover,
		s.Technical: models.ScenePurposeTechnical,
	}
	// A dedicated going-live-soon scene needs verifying too. When it
	// aliases another scene it is already covered.
	if s.GoingLiveSoon != "" {
		if _, ok := names[s.GoingLiveSoon]; !ok {
			names[s.GoingLiveSoon] = models.ScenePurposeGoingLive
		}
	}
	return names
}

// SceneFile is the optional YAML file shape for scene and owner-source
// overrides. Durations are strings ("5s") since yaml.v3 has no native
// time.Duration support.
type SceneFile struct {
	Scenes      SceneSet `yaml:"scenes"`
	OwnerSource struct {
		SourceNames     []string `yaml:"source_names"`
		DetectionMethod string   `yaml:"detection_method"`
		DebounceWindow  string   `yaml:"debounce_window"`
	} `yaml:"owner_source"`
}

// WatchkeeperConfig holds all configuration for the supervisor daemon.
// Required vars cause startup failure when missing. Optional vars have
// defaults tuned for a single always-on channel.
type WatchkeeperConfig struct {
	// Required - broadcast engine connection
	EngineURL   string
	EngineToken string

	// Required - record store
	DatabaseURL string

	// Content provider (automated path). Empty disables provider checks.
	ContentProviderURL   string
	ContentProviderToken string
	AutomatedMediaSource string

	// Failover scene's pre-positioned local file, verified in preflight.
	FallbackContentPath string

	// Outbound destination the engine pushes to. Preflight verifies it
	// is configured and reachable; the credentials live on the engine.
	DestinationURL string

	// Engine restart command. Empty disables lifecycle management.
	EngineRestartCommand string

	// Operator surface
	HTTPPort string

	// Scene configuration, overridable via ScenesFile
	Scenes      SceneSet
	OwnerSource models.OwnerSourceConfig
	ScenesFile  string

	// Timing
	HealthSampleInterval time.Duration
	StatusPollInterval   time.Duration
	OwnerPollInterval    time.Duration
	StreamRetryInterval  time.Duration
	PreflightRetryDelay  time.Duration

	// Thresholds
	DroppedFramesPctMax float64
	EngineSilenceMax    time.Duration
	OwnerLiveWait       time.Duration
	MaxEngineRestarts   int
	MetricRetention     time.Duration
}

// Load reads configuration from the environment, then applies the
// optional scenes YAML file on top.
func Load() (*WatchkeeperConfig, error) {
	cfg := &WatchkeeperConfig{
		EngineURL:   config.RequireEnv("ENGINE_URL"),
		EngineToken: config.GetEnv("ENGINE_TOKEN", ""),
		DatabaseURL: config.RequireEnv("DATABASE_URL"),

		ContentProviderURL:   config.GetEnv("CONTENT_PROVIDER_URL", ""),
		ContentProviderToken: config.GetEnv("CONTENT_PROVIDER_TOKEN", ""),
		AutomatedMediaSource: config.GetEnv("AUTOMATED_MEDIA_SOURCE", "automated-media"),
		FallbackContentPath:  config.GetEnv("FALLBACK_CONTENT_PATH", ""),
		DestinationURL:       config.GetEnv("DESTINATION_URL", ""),
		EngineRestartCommand: config.GetEnv("ENGINE_RESTART_COMMAND", ""),

		HTTPPort: config.GetEnv("PORT", "18105"),

		Scenes: SceneSet{
			Automated: config.GetEnv("SCENE_AUTOMATED", "automated"),
			Owner:     config.GetEnv("SCENE_OWNER", "owner"),
			Failover:  config.GetEnv("SCENE_FAILOVER", "failover"),
			Technical: config.GetEnv("SCENE_TECHNICAL", "technical-difficulties"),
		},
		OwnerSource: models.OwnerSourceConfig{
			SourceNames:     []string{config.GetEnv("OWNER_SOURCE", "owner-camera")},
			DetectionMethod: config.GetEnv("OWNER_DETECTION_METHOD", "source-active"),
			DebounceWindow:  config.GetEnvDuration("OWNER_DEBOUNCE_WINDOW", 5*time.Second),
		},
		ScenesFile: config.GetEnv("SCENES_FILE", ""),

		HealthSampleInterval: config.GetEnvDuration("HEALTH_SAMPLE_INTERVAL", 10*time.Second),
		StatusPollInterval:   config.GetEnvDuration("STATUS_POLL_INTERVAL", 30*time.Second),
		OwnerPollInterval:    config.GetEnvDuration("OWNER_POLL_INTERVAL", time.Second),
		StreamRetryInterval:  config.GetEnvDuration("STREAM_RETRY_INTERVAL", 10*time.Second),
		PreflightRetryDelay:  config.GetEnvDuration("PREFLIGHT_RETRY_DELAY", 60*time.Second),

		DroppedFramesPctMax: 1.0,
		EngineSilenceMax:    config.GetEnvDuration("ENGINE_SILENCE_MAX", 30*time.Second),
		OwnerLiveWait:       config.GetEnvDuration("OWNER_LIVE_WAIT", 30*time.Second),
		MaxEngineRestarts:   config.GetEnvInt("MAX_ENGINE_RESTARTS", 3),
		MetricRetention:     config.GetEnvDuration("METRIC_RETENTION", 30*24*time.Hour),
	}

	if cfg.ScenesFile != "" {
		if err := cfg.applyScenesFile(cfg.ScenesFile); err != nil {
			return nil, err
		}
	}
	if cfg.Scenes.GoingLiveSoon == "" {
		cfg.Scenes.GoingLiveSoon = cfg.Scenes.Owner
	}
	return cfg, nil
}

func (c *WatchkeeperConfig) applyScenesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenes file: %w", err)
	}
	var file SceneFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse scenes file: %w", err)
	}
	if file.Scenes.Automated != "" {
		c.Scenes.Automated = file.Scenes.Automated
	}
	if file.Scenes.Owner != "" {
		c.Scenes.Owner = file.Scenes.Owner
	}
	if file.Scenes.Failover != "" {
		c.Scenes.Failover = file.Scenes.Failover
	}
	if file.Scenes.Technical != "" {
		c.Scenes.Technical = file.Scenes.Technical
	}
	if file.Scenes.GoingLiveSoon != "" {
		c.Scenes.GoingLiveSoon = file.Scenes.GoingLiveSoon
	}
	if len(file.OwnerSource.SourceNames) > 0 {
		c.OwnerSource.SourceNames = file.OwnerSource.SourceNames
	}
	if file.OwnerSource.DetectionMethod != "" {
		c.OwnerSource.DetectionMethod = file.OwnerSource.DetectionMethod
	}
	if file.OwnerSource.DebounceWindow != "" {
		window, err := time.ParseDuration(file.OwnerSource.DebounceWindow)
		if err != nil {
			return fmt.Errorf("parse owner debounce window: %w", err)
		}
		c.OwnerSource.DebounceWindow = window
	}
	return nil
}
