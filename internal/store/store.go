package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"watchkeeper/internal/models"
)

var ErrNotFound = errors.New("record not found")

// Store persists supervision records to Postgres. All writes are
// single-statement; the supervisor serializes calls so no transaction
// spanning is needed.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession opens a new broadcast session record.
func (s *Store) CreateSession(ctx context.Context, startedAt time.Time) (*models.StreamSession, error) {
	session := &models.StreamSession{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_sessions (id, started_at) VALUES ($1, $2)`,
		session.ID, session.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// UpdateSessionStats writes the running aggregates for a session.
func (s *Store) UpdateSessionStats(ctx context.Context, session *models.StreamSession) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stream_sessions SET
			total_duration_sec = $2,
			downtime_duration_sec = $3,
			avg_bitrate_kbps = $4,
			avg_dropped_frames_pct = $5,
			sample_count = $6
		WHERE id = $1`,
		session.ID, session.TotalDurationSec, session.DowntimeDurationSec,
		session.AvgBitrateKbps, session.AvgDroppedFramesPct, session.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	return nil
}

// CloseSession marks a session ended.
func (s *Store) CloseSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stream_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt,
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenSession returns the session left open by a previous run, if any.
// At most one session is ever open.
func (s *Store) OpenSession(ctx context.Context) (*models.StreamSession, error) {
	var session models.StreamSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, total_duration_sec, downtime_duration_sec,
		       avg_bitrate_kbps, avg_dropped_frames_pct, sample_count
		FROM stream_sessions
		WHERE ended_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1`,
	).Scan(
		&session.ID, &session.StartedAt, &session.TotalDurationSec,
		&session.DowntimeDurationSec, &session.AvgBitrateKbps,
		&session.AvgDroppedFramesPct, &session.SampleCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns sessions that overlap the given window, newest first.
func (s *Store) ListSessions(ctx context.Context, since time.Time) ([]models.StreamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at, total_duration_sec, downtime_duration_sec,
		       avg_bitrate_kbps, avg_dropped_frames_pct, sample_count
		FROM stream_sessions
		WHERE ended_at IS NULL OR ended_at >= $1
		ORDER BY started_at DESC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.StreamSession
	for rows.Next() {
		var session models.StreamSession
		var endedAt sql.NullTime
		if err := rows.Scan(
			&session.ID, &session.StartedAt, &endedAt, &session.TotalDurationSec,
			&session.DowntimeDurationSec, &session.AvgBitrateKbps,
			&session.AvgDroppedFramesPct, &session.SampleCount,
		); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t := endedAt.Time
			session.EndedAt = &t
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// OpenDowntime records the start of an outage. The returned event must
// later be resolved with ResolveDowntime; unresolved events are picked
// up on the next start as crash evidence.
func (s *Store) OpenDowntime(ctx context.Context, sessionID, cause string, startedAt time.Time) (*models.DowntimeEvent, error) {
	event := &models.DowntimeEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: startedAt,
		Cause:     cause,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO downtime_events (id, session_id, started_at, cause) VALUES ($1, $2, $3, $4)`,
		event.ID, event.SessionID, event.StartedAt, event.Cause,
	)
	if err != nil {
		return nil, fmt.Errorf("open downtime: %w", err)
	}
	return event, nil
}

// ResolveDowntime closes an outage record with its outcome.
func (s *Store) ResolveDowntime(ctx context.Context, id string, endedAt time.Time, recoveryAction string, automatic bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downtime_events SET
			ended_at = $2,
			recovery_action = $3,
			automatic_recovery = $4,
			manual_intervention = NOT $4
		WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt, recoveryAction, automatic,
	)
	if err != nil {
		return fmt.Errorf("resolve downtime %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenDowntimeEvents returns events never resolved, oldest first.
func (s *Store) OpenDowntimeEvents(ctx context.Context) ([]models.DowntimeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, started_at, cause
		FROM downtime_events
		WHERE ended_at IS NULL
		ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.DowntimeEvent
	for rows.Next() {
		var event models.DowntimeEvent
		if err := rows.Scan(&event.ID, &event.SessionID, &event.StartedAt, &event.Cause); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListDowntime returns all outage records that started within the window.
func (s *Store) ListDowntime(ctx context.Context, since time.Time) ([]models.DowntimeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, started_at, ended_at, cause,
		       recovery_action, automatic_recovery, manual_intervention
		FROM downtime_events
		WHERE started_at >= $1
		ORDER BY started_at ASC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.DowntimeEvent
	for rows.Next() {
		var event models.DowntimeEvent
		var endedAt sql.NullTime
		if err := rows.Scan(
			&event.ID, &event.SessionID, &event.StartedAt, &endedAt, &event.Cause,
			&event.RecoveryAction, &event.AutomaticRecovery, &event.ManualIntervention,
		); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t := endedAt.Time
			event.EndedAt = &t
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// InsertHealthMetric appends one health sample. Samples are immutable.
func (s *Store) InsertHealthMetric(ctx context.Context, m models.HealthMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_metrics
			(session_id, ts, bitrate_kbps, dropped_frames_pct, cpu_pct,
			 active_scene, connection_status, streaming_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.SessionID, m.Timestamp, m.BitrateKbps, m.DroppedFramesPct, m.CPUPct,
		m.ActiveScene, m.ConnectionStatus, m.StreamingStatus,
	)
	if err != nil {
		return fmt.Errorf("insert health metric: %w", err)
	}
	return nil
}

// ArchiveHealthMetrics drops samples older than the retention horizon.
// Session aggregates already carry the rolled-up numbers, so raw samples
// past the horizon serve no report.
func (s *Store) ArchiveHealthMetrics(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM health_metrics WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("archive health metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateOwnerSession records the start of an operator takeover.
func (s *Store) CreateOwnerSession(ctx context.Context, sessionID string, startedAt time.Time, interrupted string, transitionSec float64) (*models.OwnerSession, error) {
	owner := &models.OwnerSession{
		ID:                 uuid.New().String(),
		SessionID:          sessionID,
		StartedAt:          startedAt,
		ContentInterrupted: interrupted,
		TransitionTimeSec:  transitionSec,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owner_sessions (id, session_id, started_at, content_interrupted, transition_time_sec)
		VALUES ($1, $2, $3, $4, $5)`,
		owner.ID, owner.SessionID, owner.StartedAt, owner.ContentInterrupted, owner.TransitionTimeSec,
	)
	if err != nil {
		return nil, fmt.Errorf("create owner session: %w", err)
	}
	return owner, nil
}

// CloseOwnerSession marks a takeover ended and records what resumed after it.
func (s *Store) CloseOwnerSession(ctx context.Context, id string, endedAt time.Time, resumeContent string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE owner_sessions SET ended_at = $2, resume_content = $3
		WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt, resumeContent,
	)
	if err != nil {
		return fmt.Errorf("close owner session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseStaleOwnerSessions ends takeover records left open by a crash.
func (s *Store) CloseStaleOwnerSessions(ctx context.Context, endedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE owner_sessions SET ended_at = $1 WHERE ended_at IS NULL`, endedAt)
	if err != nil {
		return 0, fmt.Errorf("close stale owner sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertSceneConfig records a scene verification result.
func (s *Store) UpsertSceneConfig(ctx context.Context, sc models.SceneConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scene_configs (name, purpose, exists_on_engine, last_verified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			purpose = EXCLUDED.purpose,
			exists_on_engine = EXCLUDED.exists_on_engine,
			last_verified_at = EXCLUDED.last_verified_at`,
		sc.Name, sc.Purpose, sc.ExistsOnEngine, sc.LastVerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert scene config %s: %w", sc.Name, err)
	}
	return nil
}

// ListSceneConfigs returns the verification state of every required scene.
func (s *Store) ListSceneConfigs(ctx context.Context) ([]models.SceneConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, purpose, exists_on_engine, last_verified_at
		FROM scene_configs ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.SceneConfig
	for rows.Next() {
		var sc models.SceneConfig
		if err := rows.Scan(&sc.Name, &sc.Purpose, &sc.ExistsOnEngine, &sc.LastVerifiedAt); err != nil {
			return nil, err
		}
		configs = append(configs, sc)
	}
	return configs, rows.Err()
}

// RecordInitialization appends one preflight run to the audit trail.
func (s *Store) RecordInitialization(ctx context.Context, state models.InitializationState) error {
	checks, err := json.Marshal(state.Checks)
	if err != nil {
		return fmt.Errorf("marshal preflight checks: %w", err)
	}
	id := state.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO initialization_states (id, ts, checks, overall_status, stream_started_at, failure_details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, state.Timestamp, checks, state.OverallStatus, state.StreamStartedAt, state.FailureDetails,
	)
	if err != nil {
		return fmt.Errorf("record initialization: %w", err)
	}
	return nil
}

// UptimeReport aggregates availability over a window.
type UptimeReport struct {
	WindowStart     time.Time              `json:"window_start"`
	WindowEnd       time.Time              `json:"window_end"`
	TotalSec        int64                  `json:"total_sec"`
	DowntimeSec     int64                  `json:"downtime_sec"`
	UptimePct       float64                `json:"uptime_pct"`
	OutageCount     int                    `json:"outage_count"`
	OutagesByCause  map[string]int         `json:"outages_by_cause"`
	ManualRecovered int                    `json:"manual_recovered"`
	Sessions        []models.StreamSession `json:"sessions"`
}

// BuildUptimeReport computes the availability report for [since, now].
func (s *Store) BuildUptimeReport(ctx context.Context, since, now time.Time) (*UptimeReport, error) {
	sessions, err := s.ListSessions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	events, err := s.ListDowntime(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list downtime: %w", err)
	}

	report := &UptimeReport{
		WindowStart:    since,
		WindowEnd:      now,
		OutagesByCause: make(map[string]int),
		Sessions:       sessions,
	}
	for _, session := range sessions {
		start := session.StartedAt
		if start.Before(since) {
			start = since
		}
		end := now
		if session.EndedAt != nil && session.EndedAt.Before(now) {
			end = *session.EndedAt
		}
		if end.After(start) {
			report.TotalSec += int64(end.Sub(start).Seconds())
		}
	}
	for _, event := range events {
		report.OutageCount++
		report.OutagesByCause[event.Cause]++
		if event.ManualIntervention {
			report.ManualRecovered++
		}
		end := now
		if event.EndedAt != nil {
			end = *event.EndedAt
		}
		if end.After(event.StartedAt) {
			report.DowntimeSec += int64(end.Sub(event.StartedAt).Seconds())
		}
	}
	if report.DowntimeSec > report.TotalSec {
		report.DowntimeSec = report.TotalSec
	}
	if report.TotalSec > 0 {
		report.UptimePct = float64(report.TotalSec-report.DowntimeSec) / float64(report.TotalSec) * 100
	} else {
		report.UptimePct = 100
	}
	return report, nil
}
