package owner

import (
	"context"
	"sync"
	"time"

	"watchkeeper/internal/control"
	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

// phase is the debounce state of owner presence.
type phase int

const (
	phaseIdle phase = iota
	phaseDebounceOn
	phaseOn
	phaseDebounceOff
)

// transition is the outcome of one debounce observation.
type transition int

const (
	transNone transition = iota
	transActivate
	transDeactivate
)

// debouncer filters source-activity flicker. A raw flip only becomes a
// transition after it holds for the full window.
type debouncer struct {
	phase  phase
	since  time.Time
	window time.Duration
}

func newDebouncer(window time.Duration) *debouncer {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &debouncer{window: window}
}

// observe feeds one raw sample at the given instant. Time is a
// parameter so tests drive the clock directly.
func (d *debouncer) observe(active bool, now time.Time) transition {
	switch d.phase {
	case phaseIdle:
		if active {
			d.phase = phaseDebounceOn
			d.since = now
		}
	case phaseDebounceOn:
		if !active {
			d.phase = phaseIdle
			return transNone
		}
		if now.Sub(d.since) >= d.window {
			d.phase = phaseOn
			return transActivate
		}
	case phaseOn:
		if !active {
			d.phase = phaseDebounceOff
			d.since = now
		}
	case phaseDebounceOff:
		if active {
			d.phase = phaseOn
			return transNone
		}
		if now.Sub(d.since) >= d.window {
			d.phase = phaseIdle
			return transDeactivate
		}
	}
	return transNone
}

// takeoverBudget is the ceiling for detection-to-takeover latency.
const takeoverBudget = 10 * time.Second

// Scenes is the supervisor's scene surface for owner transitions.
type Scenes interface {
	ToOwner(ctx context.Context) error
	ToGoingLiveSoon(ctx context.Context) error
	ToAutomated(ctx context.Context) error
}

// Engine is the slice of the control protocol the detector needs.
type Engine interface {
	GetSourceActive(ctx context.Context, source string) (*control.SourceActivity, error)
}

// Takeovers is the store surface for owner session records.
type Takeovers interface {
	CreateOwnerSession(ctx context.Context, sessionID string, startedAt time.Time, interrupted string, transitionSec float64) (*models.OwnerSession, error)
	CloseOwnerSession(ctx context.Context, id string, endedAt time.Time, resumeContent string) error
}

// SessionRef resolves the broadcast session takeovers belong to.
type SessionRef interface {
	CurrentSessionID() string
}

// ContentSource names what the automated path is playing, so takeover
// records say which item the owner interrupted.
type ContentSource interface {
	Current() string
}

type Config struct {
	Sources      models.OwnerSourceConfig
	PollInterval time.Duration
	LiveWait     time.Duration
	// Content is optional; without it records fall back to a generic
	// rotation marker.
	Content ContentSource
	Logger  logging.Logger
}

// Detector watches the owner's sources and drives scene takeovers. The
// owner always wins against the automated path; only the detector's
// debounce stands between a source flip and the air.
type Detector struct {
	engine    Engine
	scenes    Scenes
	takeovers Takeovers
	session   SessionRef
	content   ContentSource
	logger    logging.Logger

	sources      []string
	pollInterval time.Duration
	liveWait     time.Duration

	mu           sync.Mutex
	debounce     *debouncer
	current      *models.OwnerSession
	liveDeadline time.Time
	properlyLive bool
	waitCardUp   bool
}

func NewDetector(engine Engine, scenes Scenes, takeovers Takeovers, session SessionRef, cfg Config) *Detector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LiveWait <= 0 {
		cfg.LiveWait = 30 * time.Second
	}
	return &Detector{
		engine:       engine,
		scenes:       scenes,
		takeovers:    takeovers,
		session:      session,
		content:      cfg.Content,
		logger:       cfg.Logger,
		sources:      cfg.Sources.SourceNames,
		pollInterval: cfg.PollInterval,
		liveWait:     cfg.LiveWait,
		debounce:     newDebouncer(cfg.Sources.DebounceWindow),
	}
}

// Active reports whether an owner takeover is in progress.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

// Run polls the owner sources until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.flushOpen()
			return
		case <-ticker.C:
			active, signalPresent := d.probe(ctx)
			d.tick(ctx, active, signalPresent, time.Now())
		}
	}
}

// probe samples every configured source. Any active source counts.
func (d *Detector) probe(ctx context.Context) (active, signalPresent bool) {
	for _, source := range d.sources {
		activity, err := d.engine.GetSourceActive(ctx, source)
		if err != nil {
			d.logger.WithError(err).WithField("source", source).Debug("Source probe failed")
			continue
		}
		if activity.Active {
			active = true
			if activity.SignalPresent {
				signalPresent = true
			}
		}
	}
	return active, signalPresent
}

// tick advances the debounce machine and applies transitions.
func (d *Detector) tick(ctx context.Context, active, signalPresent bool, now time.Time) {
	switch d.debounce.observe(active, now) {
	case transActivate:
		d.takeover(ctx, now)
	case transDeactivate:
		d.release(ctx, now)
	}

	d.mu.Lock()
	inTakeover := d.current != nil
	waiting := inTakeover && !d.properlyLive
	deadline := d.liveDeadline
	d.mu.Unlock()

	if !waiting {
		return
	}
	if signalPresent {
		d.markLive(ctx)
		return
	}
	if now.After(deadline) {
		d.showWaitCard(ctx)
	}
}

// takeover puts the owner scene on air and opens the takeover record.
// The owner gets the air first and the signal check second; dead air is
// worse than a few seconds of a silent camera.
func (d *Detector) takeover(ctx context.Context, now time.Time) {
	sessionID := d.session.CurrentSessionID()
	if sessionID == "" {
		d.logger.Warn("Owner activity without an open session, ignoring")
		return
	}

	if err := d.scenes.ToOwner(ctx); err != nil {
		d.logger.WithError(err).Error("Failed to switch to owner scene")
		return
	}
	latency := now.Sub(d.debounce.since)
	if latency > takeoverBudget {
		d.logger.WithField("latency", latency.String()).Warn("Owner takeover past budget")
	}

	record, err := d.takeovers.CreateOwnerSession(ctx, sessionID, now, d.playingNow(), latency.Seconds())
	if err != nil {
		d.logger.WithError(err).Error("Failed to record owner session")
	}

	d.mu.Lock()
	d.current = record
	d.properlyLive = false
	d.waitCardUp = false
	d.liveDeadline = now.Add(d.liveWait)
	d.mu.Unlock()

	d.logger.Info("Owner takeover started, waiting for signal")
}

// markLive confirms frames are flowing. If the wait card went up in the
// meantime, the owner scene comes back.
func (d *Detector) markLive(ctx context.Context) {
	d.mu.Lock()
	if d.properlyLive {
		d.mu.Unlock()
		return
	}
	d.properlyLive = true
	cardUp := d.waitCardUp
	d.waitCardUp = false
	d.mu.Unlock()

	if cardUp {
		if err := d.scenes.ToOwner(ctx); err != nil {
			d.logger.WithError(err).Error("Failed to switch to owner scene")
			return
		}
	}
	d.logger.Info("Owner broadcast is properly live")
}

// showWaitCard swaps in the going-live-soon scene when the owner source
// stays silent past the wait. The takeover is not aborted; the record
// stays open and a late signal still promotes back to the owner scene.
func (d *Detector) showWaitCard(ctx context.Context) {
	d.mu.Lock()
	if d.waitCardUp {
		d.mu.Unlock()
		return
	}
	d.waitCardUp = true
	d.mu.Unlock()

	d.logger.Warn("Owner source still silent, showing going-live-soon scene")
	if err := d.scenes.ToGoingLiveSoon(ctx); err != nil {
		d.logger.WithError(err).Error("Failed to switch to going-live-soon scene")
	}
}

// release ends the takeover and resumes the automated path.
func (d *Detector) release(ctx context.Context, now time.Time) {
	d.mu.Lock()
	record := d.current
	d.current = nil
	d.properlyLive = false
	d.waitCardUp = false
	d.mu.Unlock()

	if record == nil {
		return
	}

	if err := d.scenes.ToAutomated(ctx); err != nil {
		d.logger.WithError(err).Error("Failed to resume automated scene")
	}
	if err := d.takeovers.CloseOwnerSession(ctx, record.ID, now, d.playingNow()); err != nil {
		d.logger.WithError(err).Error("Failed to close owner session record")
	}
	d.logger.WithField("owner_session", record.ID).Info("Owner takeover ended")
}

// playingNow names the scheduled item for the takeover ledger.
func (d *Detector) playingNow() string {
	if d.content != nil {
		if current := d.content.Current(); current != "" {
			return current
		}
	}
	return "automated-rotation"
}

// flushOpen closes the takeover record at shutdown. The scene no
// longer matters; the ledger does. Uses a fresh context: the run
// context is already cancelled.
func (d *Detector) flushOpen() {
	d.mu.Lock()
	record := d.current
	d.current = nil
	d.mu.Unlock()

	if record == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.takeovers.CloseOwnerSession(ctx, record.ID, time.Now(), d.playingNow()); err != nil {
		d.logger.WithError(err).Warn("Failed to close owner session at shutdown")
		return
	}
	d.logger.WithField("owner_session", record.ID).Info("Owner session closed at shutdown")
}
