package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"watchkeeper/internal/config"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

// level orders scene claims. A higher level on air always wins; the
// automated path is the floor and needs no claim. The owner outranks
// content-path failover; only the technical claim keeps the owner off
// the air.
type level int

const (
	levelFailover level = iota
	levelOwner
	levelTechnical
)

// Engine is the slice of the control protocol the supervisor needs.
type Engine interface {
	SetActiveScene(ctx context.Context, name string) error
	GetActiveScene(ctx context.Context) (string, error)
}

// Supervisor is the only writer of the engine's active scene. Every
// component asks; the highest-priority claim decides. Each switch is
// read back from the engine before it counts.
type Supervisor struct {
	engine Engine
	scenes config.SceneSet
	logger logging.Logger

	mu      sync.Mutex
	claims  map[level]string
	current string

	// switchMu serializes resolve, engine set, confirm, and commit.
	// Claims arrive from the failover and owner goroutines at once;
	// interleaved switches would let the engine and s.current diverge.
	switchMu sync.Mutex
}

func New(engine Engine, scenes config.SceneSet, logger logging.Logger) *Supervisor {
	return &Supervisor{
		engine: engine,
		scenes: scenes,
		logger: logger,
		claims: make(map[level]string),
	}
}

// CurrentScene returns the last confirmed scene.
func (s *Supervisor) CurrentScene() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// desired resolves the claim table to one scene.
func (s *Supervisor) desired() string {
	for _, l := range []level{levelTechnical, levelOwner, levelFailover} {
		if scene, ok := s.claims[l]; ok && scene != "" {
			return scene
		}
	}
	return s.scenes.Automated
}

func (s *Supervisor) claim(ctx context.Context, l level, scene string) error {
	s.mu.Lock()
	s.claims[l] = scene
	s.mu.Unlock()
	return s.apply(ctx)
}

func (s *Supervisor) releaseClaim(ctx context.Context, l level) error {
	s.mu.Lock()
	delete(s.claims, l)
	s.mu.Unlock()
	return s.apply(ctx)
}

// apply switches the engine to the desired scene and confirms it took.
// One switch at a time; a concurrent claim waits and then re-resolves
// against the full claim table.
func (s *Supervisor) apply(ctx context.Context) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	want := s.desired()
	have := s.current
	s.mu.Unlock()

	if want == have {
		return nil
	}

	if err := s.engine.SetActiveScene(ctx, want); err != nil {
		return fmt.Errorf("set scene %q: %w", want, err)
	}
	got, err := s.engine.GetActiveScene(ctx)
	if err != nil {
		return fmt.Errorf("confirm scene %q: %w", want, err)
	}
	if got != want {
		return models.NewFault(models.FaultEngine,
			fmt.Sprintf("scene switch not confirmed: want %q, engine reports %q", want, got), nil)
	}

	s.mu.Lock()
	s.current = want
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"from": have,
		"to":   want,
	}).Info("Scene switched")
	return nil
}

// Failover-side scene surface.

func (s *Supervisor) ToFailover(ctx context.Context) error {
	return s.claim(ctx, levelFailover, s.scenes.Failover)
}

// ToTechnical parks the broadcast. The claim is never released by any
// automatic path; only a restart with a fixed engine clears it.
func (s *Supervisor) ToTechnical(ctx context.Context) error {
	return s.claim(ctx, levelTechnical, s.scenes.Technical)
}

func (s *Supervisor) Restore(ctx context.Context) error {
	return s.releaseClaim(ctx, levelFailover)
}

// Owner-side scene surface. The owner's camera outranks the failover
// scene: a broken automated path behind a live takeover stays hidden.

func (s *Supervisor) ToOwner(ctx context.Context) error {
	return s.claim(ctx, levelOwner, s.scenes.Owner)
}

func (s *Supervisor) ToGoingLiveSoon(ctx context.Context) error {
	return s.claim(ctx, levelOwner, s.scenes.GoingLiveSoon)
}

func (s *Supervisor) ToAutomated(ctx context.Context) error {
	return s.releaseClaim(ctx, levelOwner)
}

// Startup orchestration.

// Preflight runs the ordered startup checks until they pass.
type Preflight interface {
	Run(ctx context.Context) (*models.InitializationState, error)
}

// Broadcast brings the stream up.
type Broadcast interface {
	Start(ctx context.Context) error
}

// Recovery is the store surface for crash cleanup.
type Recovery interface {
	OpenDowntimeEvents(ctx context.Context) ([]models.DowntimeEvent, error)
	ResolveDowntime(ctx context.Context, id string, endedAt time.Time, recoveryAction string, automatic bool) error
	CloseStaleOwnerSessions(ctx context.Context, endedAt time.Time) (int64, error)
}

// Bootstrap runs the startup sequence: crash cleanup, preflight, the
// automated scene on air, then the stream itself.
func (s *Supervisor) Bootstrap(ctx context.Context, recovery Recovery, preflight Preflight, broadcast Broadcast) error {
	stale, err := recovery.OpenDowntimeEvents(ctx)
	if err != nil {
		return fmt.Errorf("load stale outages: %w", err)
	}
	now := time.Now()
	for _, event := range stale {
		if err := recovery.ResolveDowntime(ctx, event.ID, now, "supervisor restarted", false); err != nil {
			s.logger.WithError(err).WithField("event_id", event.ID).Warn("Failed to resolve stale outage")
		} else {
			s.logger.WithFields(logging.Fields{
				"event_id": event.ID,
				"cause":    event.Cause,
			}).Warn("Resolved outage left open by previous run")
		}
	}
	if n, err := recovery.CloseStaleOwnerSessions(ctx, now); err != nil {
		s.logger.WithError(err).Warn("Failed to close stale owner sessions")
	} else if n > 0 {
		s.logger.WithField("count", n).Warn("Closed owner sessions left open by previous run")
	}

	if _, err := preflight.Run(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	if err := s.apply(ctx); err != nil {
		return fmt.Errorf("initial scene: %w", err)
	}

	if err := broadcast.Start(ctx); err != nil {
		return fmt.Errorf("start broadcast: %w", err)
	}
	return nil
}
