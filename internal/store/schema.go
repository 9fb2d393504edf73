package store

import "context"

// The daemon owns its schema. Tables are created on startup so a fresh
// database needs no out-of-band migration step.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stream_sessions (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		total_duration_sec BIGINT NOT NULL DEFAULT 0,
		downtime_duration_sec BIGINT NOT NULL DEFAULT 0,
		avg_bitrate_kbps DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_dropped_frames_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS downtime_events (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES stream_sessions(id),
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		cause TEXT NOT NULL,
		recovery_action TEXT NOT NULL DEFAULT '',
		automatic_recovery BOOLEAN NOT NULL DEFAULT FALSE,
		manual_intervention BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_downtime_events_session
		ON downtime_events (session_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS health_metrics (
		session_id UUID NOT NULL REFERENCES stream_sessions(id),
		ts TIMESTAMPTZ NOT NULL,
		bitrate_kbps DOUBLE PRECISION NOT NULL,
		dropped_frames_pct DOUBLE PRECISION NOT NULL,
		cpu_pct DOUBLE PRECISION NOT NULL,
		active_scene TEXT NOT NULL,
		connection_status TEXT NOT NULL,
		streaming_status TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_health_metrics_ts
		ON health_metrics (ts)`,
	`CREATE TABLE IF NOT EXISTS owner_sessions (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES stream_sessions(id),
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		content_interrupted TEXT NOT NULL DEFAULT '',
		resume_content TEXT NOT NULL DEFAULT '',
		transition_time_sec DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS scene_configs (
		name TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		exists_on_engine BOOLEAN NOT NULL DEFAULT FALSE,
		last_verified_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS initialization_states (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		checks JSONB NOT NULL,
		overall_status TEXT NOT NULL,
		stream_started_at TIMESTAMPTZ,
		failure_details TEXT NOT NULL DEFAULT ''
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
