package content

import (
	"context"
	"sync"
	"time"

	"watchkeeper/internal/control"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

// SourceEngine is the slice of the control protocol the rotator needs.
type SourceEngine interface {
	GetSourceSettings(ctx context.Context, source string) (map[string]any, error)
	SetSourceSettings(ctx context.Context, source string, settings map[string]any) error
	SetSourceEnabled(ctx context.Context, source string, enabled bool) error
	GetSourceActive(ctx context.Context, source string) (*control.SourceActivity, error)
}

// Rotator feeds the automated scene's media source from the provider.
// When the current item runs out, the next one goes in; when the
// provider cannot supply one, a content-failure signal goes out and the
// failover path takes the scene.
type Rotator struct {
	engine   SourceEngine
	provider Provider
	signals  chan<- models.Signal
	logger   logging.Logger

	source       string
	pollInterval time.Duration

	// mu guards current, which the owner detector reads for its
	// takeover records. Everything else stays on the Run goroutine.
	mu           sync.Mutex
	current      *models.PlayableItem
	rotateAfter  time.Time
	failedBefore bool
}

type RotatorConfig struct {
	Source       string
	PollInterval time.Duration
	Logger       logging.Logger
}

func NewRotator(engine SourceEngine, provider Provider, signals chan<- models.Signal, cfg RotatorConfig) *Rotator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Rotator{
		engine:       engine,
		provider:     provider,
		signals:      signals,
		logger:       cfg.Logger,
		source:       cfg.Source,
		pollInterval: cfg.PollInterval,
	}
}

// Run rotates content until ctx is done.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, time.Now())
		}
	}
}

// tick advances the rotation when the current item is exhausted or the
// source lost its signal mid-item.
func (r *Rotator) tick(ctx context.Context, now time.Time) {
	if item := r.item(); item != nil && now.Before(r.rotateAfter) {
		activity, err := r.engine.GetSourceActive(ctx, r.source)
		if err != nil || activity.SignalPresent {
			return
		}
		r.logger.WithField("item", item.FilePath).Warn("Media source lost signal mid-item")
		r.reportCurrent(ctx, "signal lost during playback")
	}
	r.advance(ctx, now)
}

// Current returns the path of the item on air, empty when nothing is
// loaded.
func (r *Rotator) Current() string {
	if item := r.item(); item != nil {
		return item.FilePath
	}
	return ""
}

func (r *Rotator) item() *models.PlayableItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Rotator) setItem(item *models.PlayableItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = item
}

// advance loads the next item into the source.
func (r *Rotator) advance(ctx context.Context, now time.Time) {
	item, err := r.provider.NextItem(ctx)
	if err != nil {
		r.failure(err)
		return
	}

	// Overlay onto the existing settings so unrelated knobs survive.
	settings, err := r.engine.GetSourceSettings(ctx, r.source)
	if err != nil {
		r.failure(err)
		return
	}
	if settings == nil {
		settings = map[string]any{}
	}
	settings["local_file"] = item.FilePath
	settings["looping"] = false
	if err := r.engine.SetSourceSettings(ctx, r.source, settings); err != nil {
		r.failure(err)
		return
	}
	if err := r.engine.SetSourceEnabled(ctx, r.source, true); err != nil {
		r.failure(err)
		return
	}

	r.setItem(item)
	r.rotateAfter = now.Add(time.Duration(item.DurationSec * float64(time.Second)))
	r.failedBefore = false
	r.logger.WithFields(logging.Fields{
		"item":     item.FilePath,
		"duration": item.DurationSec,
	}).Info("Rotated automated content")
}

// reportCurrent tells the provider the playing item failed.
func (r *Rotator) reportCurrent(ctx context.Context, reason string) {
	item := r.item()
	if item == nil {
		return
	}
	if err := r.provider.ReportFailure(ctx, item, reason); err != nil {
		r.logger.WithError(err).Warn("Failed to report unplayable item")
	}
	r.setItem(nil)
}

// failure emits one content-failure signal per outage, not per tick.
func (r *Rotator) failure(err error) {
	r.logger.WithError(err).Error("Content rotation failed")
	if r.failedBefore {
		return
	}
	r.failedBefore = true
	if r.signals == nil {
		return
	}
	select {
	case r.signals <- models.Signal{
		Kind:   models.SignalContentFailure,
		At:     time.Now(),
		Detail: err.Error(),
	}:
	default:
		r.logger.Warn("Signal channel full, dropping content failure")
	}
}
