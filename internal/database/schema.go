package database

import "strings"

// schemaTemplate is shared by both engines. {{serial}}, {{real}} and {{bigint}}
// are replaced with the engine's column types.
const schemaTemplate = `
-- Connections: one OAuth credential set per local user
CREATE TABLE IF NOT EXISTS connections (
    user_id TEXT PRIMARY KEY,

    -- OAuth tokens (encrypted at rest when a key is configured)
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at {{bigint}} NOT NULL,
    scope TEXT NOT NULL DEFAULT '',

    -- Set when the vendor rejects the refresh token; cleared on reconnect
    reauth_required BOOLEAN NOT NULL DEFAULT FALSE,
    last_refresh_error TEXT,

    created_at {{bigint}} NOT NULL,
    updated_at {{bigint}} NOT NULL
);

-- Profiles: the remote WHOOP account linked to a local user
CREATE TABLE IF NOT EXISTS profiles (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL UNIQUE,
    whoop_user_id {{bigint}} NOT NULL UNIQUE,
    email TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    last_sync_at {{bigint}},
    created_at {{bigint}} NOT NULL,
    updated_at {{bigint}} NOT NULL
);

CREATE TABLE IF NOT EXISTS cycles (
    id TEXT PRIMARY KEY,
    whoop_id TEXT NOT NULL UNIQUE,
    profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
    score_state TEXT NOT NULL,
    start_time {{bigint}},
    end_time {{bigint}},
    timezone_offset TEXT,
    strain {{real}},
    kilojoule {{real}},
    average_heart_rate INTEGER,
    max_heart_rate INTEGER,
    whoop_created_at {{bigint}},
    whoop_updated_at {{bigint}},
    created_at {{bigint}} NOT NULL,
    updated_at {{bigint}} NOT NULL
);

CREATE TABLE IF NOT EXISTS recoveries (
    id TEXT PRIMARY KEY,
    whoop_id TEXT NOT NULL UNIQUE,
    profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
    score_state TEXT NOT NULL,
    cycle_id {{bigint}},
    sleep_id TEXT,
    user_calibrating BOOLEAN,
    recovery_score {{real}},
    resting_heart_rate {{real}},
    hrv_rmssd_milli {{real}},
    spo2_percentage {{real}},
    skin_temp_celsius {{real}},
    whoop_created_at {{bigint}},
    whoop_updated_at {{bigint}},
    created_at {{bigint}} NOT NULL,
    updated_at {{bigint}} NOT NULL
);

CREATE TABLE IF NOT EXISTS sleeps (
    id TEXT PRIMARY KEY,
    whoop_id TEXT NOT NULL UNIQUE,
    profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
    score_state TEXT NOT NULL,
    cycle_id {{bigint}},
    nap BOOLEAN,
    start_time {{bigint}},
    end_time {{bigint}},
    timezone_offset TEXT,
    total_in_bed_milli {{bigint}},
    total_awake_milli {{bigint}},
    total_no_data_milli {{bigint}},
    total_light_sleep_milli {{bigint}},
    total_slow_wave_sleep_milli {{bigint}},
    total_rem_sleep_milli {{bigint}},
    sleep_cycle_count INTEGER,
    disturbance_count INTEGER,
    sleep_need_baseline_milli {{bigint}},
    respiratory_rate {{real}},
    sleep_performance_percentage {{real}},
    sleep_consistency_percentage {{real}},
    sleep_efficiency_percentage {{real}},
    whoop_created_at {{bigint}},
    whoop_updated_at {{bigint}},
    created_at {{bigint}} NOT NULL,
    updated_at {{bigint}} NOT NULL
);

CREATE TABLE IF NOT EXISTS workouts (
    id TEXT PRIMARY KEY,
    whoop_id TEXT NOT NULL UNIQUE,
    profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
    score_state TEXT NOT NULL,
    sport_name TEXT,
    start_time {{bigint}},
    end_time {{bigint}},
    timezone_offset TEXT,
    strain {{real}},
    average_heart_rate INTEGER,
    max_heart_rate INTEGER,
    kilojoule {{real}},
    percent_recorded {{real}},
    distance_meter {{real}},
    altitude_gain_meter {{real}},
    altitude_change_meter {{real}},
    zone_zero_milli {{bigint}},
    zone_one_milli {{bigint}},
    zone_two_milli {{bigint}},
    zone_three_milli {{bigint}},
    zone_four_milli {{bigint}},
    zone_five_milli {{bigint}},
    whoop_created_at {{bigint}},
    whoop_updated_at {{bigint}},
    created_at {{bigint}} NOT NULL,
    updated_at {{bigint}} NOT NULL
);

-- One current snapshot per account; whoop_id is the WHOOP user id
CREATE TABLE IF NOT EXISTS body_measurements (
    id TEXT PRIMARY KEY,
    whoop_id TEXT NOT NULL UNIQUE,
    profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
    score_state TEXT NOT NULL,
    height_meter {{real}},
    weight_kilogram {{real}},
    max_heart_rate INTEGER,
    whoop_created_at {{bigint}},
    whoop_updated_at {{bigint}},
    created_at {{bigint}} NOT NULL,
    updated_at {{bigint}} NOT NULL
);

-- Webhook queue: verified envelopes whose processing missed the ack budget
CREATE TABLE IF NOT EXISTS webhook_queue (
    id {{serial}},
    data TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at {{bigint}},
    processing_started_at {{bigint}},
    created_at {{bigint}} NOT NULL
);

-- Sync jobs: pending backfills
CREATE TABLE IF NOT EXISTS sync_jobs (
    id {{serial}},
    user_id TEXT NOT NULL,
    job_type TEXT NOT NULL,
    since_at {{bigint}} NOT NULL,
    until_at {{bigint}} NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at {{bigint}},
    processing_started_at {{bigint}},
    created_at {{bigint}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cycles_profile ON cycles(profile_id, id);
CREATE INDEX IF NOT EXISTS idx_recoveries_profile ON recoveries(profile_id, id);
CREATE INDEX IF NOT EXISTS idx_sleeps_profile ON sleeps(profile_id, id);
CREATE INDEX IF NOT EXISTS idx_workouts_profile ON workouts(profile_id, id);
CREATE INDEX IF NOT EXISTS idx_body_measurements_profile ON body_measurements(profile_id, id);
CREATE INDEX IF NOT EXISTS idx_webhook_queue_ready ON webhook_queue(next_retry_at, processing_started_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_ready ON sync_jobs(next_retry_at, processing_started_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_user ON sync_jobs(user_id);
`

func schemaFor(d dialect) string {
	var r *strings.Replacer
	switch d {
	case dialectPostgres:
		r = strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{real}}", "DOUBLE PRECISION",
			"{{bigint}}", "BIGINT",
		)
	default:
		r = strings.NewReplacer(
			"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{real}}", "REAL",
			"{{bigint}}", "INTEGER",
		)
	}
	return r.Replace(schemaTemplate)
}
