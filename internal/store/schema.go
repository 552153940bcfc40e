package store

import "database/sql"

// Schema is the complete ronde schema.
const Schema = `
-- Channel polling schedules
CREATE TABLE IF NOT EXISTS channel_schedules (
    id            TEXT PRIMARY KEY,
    channel_id    TEXT NOT NULL,
    platform      TEXT NOT NULL DEFAULT 'youtube',
    schedule_type TEXT NOT NULL DEFAULT 'daily',
    timezone      TEXT NOT NULL DEFAULT 'UTC',
    priority      INTEGER NOT NULL DEFAULT 3,
    active        INTEGER NOT NULL DEFAULT 1,
    stream_status TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_channel ON channel_schedules(channel_id, platform);
CREATE INDEX IF NOT EXISTS idx_schedules_active ON channel_schedules(active, updated_at);

-- Planned poll windows
CREATE TABLE IF NOT EXISTS time_slots (
    id                TEXT PRIMARY KEY,
    schedule_id       TEXT NOT NULL REFERENCES channel_schedules(id) ON DELETE CASCADE,
    day_of_week       INTEGER NOT NULL,
    time_of_day       TEXT NOT NULL,
    priority_modifier REAL NOT NULL DEFAULT 0,
    temporary         INTEGER NOT NULL DEFAULT 0,
    revert_at         INTEGER,
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_slots_schedule ON time_slots(schedule_id);
CREATE INDEX IF NOT EXISTS idx_slots_revert ON time_slots(temporary, revert_at);

-- Check outcomes (append-only)
CREATE TABLE IF NOT EXISTS outcome_records (
    id               TEXT PRIMARY KEY,
    schedule_id      TEXT REFERENCES channel_schedules(id) ON DELETE SET NULL,
    channel_id       TEXT NOT NULL,
    check_time       INTEGER NOT NULL,
    content_found    INTEGER NOT NULL DEFAULT 0,
    api_calls_made   INTEGER NOT NULL DEFAULT 1,
    result_type      TEXT NOT NULL DEFAULT 'scheduled',
    response_time_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outcomes_schedule_time ON outcome_records(schedule_id, check_time DESC);
CREATE INDEX IF NOT EXISTS idx_outcomes_channel_time ON outcome_records(channel_id, check_time DESC);
CREATE INDEX IF NOT EXISTS idx_outcomes_time ON outcome_records(check_time DESC);

-- Per-(schedule, day) usage rows
CREATE TABLE IF NOT EXISTS quota_usage (
    schedule_id      TEXT NOT NULL,
    day              TEXT NOT NULL,
    api_calls_used   INTEGER NOT NULL DEFAULT 0,
    videos_found     INTEGER NOT NULL DEFAULT 0,
    efficiency_score REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (schedule_id, day)
);

-- Ledger daily counters (budget survives restarts)
CREATE TABLE IF NOT EXISTS quota_days (
    day            TEXT PRIMARY KEY,
    used           INTEGER NOT NULL DEFAULT 0,
    emergency_used INTEGER NOT NULL DEFAULT 0,
    locked         INTEGER NOT NULL DEFAULT 0
);

-- Learned (day-of-week, hour) success buckets; learner-owned, replaced wholesale
CREATE TABLE IF NOT EXISTS learned_patterns (
    schedule_id          TEXT NOT NULL REFERENCES channel_schedules(id) ON DELETE CASCADE,
    day_of_week          INTEGER NOT NULL,
    hour                 INTEGER NOT NULL,
    success_count        INTEGER NOT NULL DEFAULT 0,
    total_count          INTEGER NOT NULL DEFAULT 0,
    avg_response_time_ms REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (schedule_id, day_of_week, hour)
);

-- Durable cache tier
CREATE TABLE IF NOT EXISTS cache_entries (
    key          TEXT PRIMARY KEY,
    payload      BLOB NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(expires_at);

-- Per-key access counters (survive entry refresh)
CREATE TABLE IF NOT EXISTS cache_key_access (
    key          TEXT PRIMARY KEY,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_access  INTEGER NOT NULL
);

-- Analysis snapshots
CREATE TABLE IF NOT EXISTS insights (
    id           TEXT PRIMARY KEY,
    day          TEXT NOT NULL,
    payload_json TEXT NOT NULL DEFAULT '{}',
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_insights_day ON insights(day, created_at DESC);
`

// ApplySchema creates all tables and indexes on the given database, and
// applies guarded column migrations for databases created before a column
// existed.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	return migrateColumns(db)
}

func migrateColumns(db *sql.DB) error {
	cols := []struct{ table, name, ddl string }{
		{"channel_schedules", "stream_status",
			`ALTER TABLE channel_schedules ADD COLUMN stream_status TEXT NOT NULL DEFAULT ''`},
	}
	for _, c := range cols {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
			c.table, c.name).Scan(&count)
		if err != nil {
			return err
		}
		if count == 0 {
			if _, err := db.Exec(c.ddl); err != nil {
				return err
			}
		}
	}
	return nil
}
