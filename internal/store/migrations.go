package store

import "fmt"

// migration is one forward-only schema change, applied once and recorded
// in the migrations table by ascending numeric id.
type migration struct {
	id  int
	sql string
}

var migrations = []migration{
	{
		id: 1,
		sql: `
CREATE TABLE IF NOT EXISTS peers (
	key                     TEXT PRIMARY KEY,
	discovery_key           TEXT NOT NULL UNIQUE,
	model_name              TEXT NOT NULL DEFAULT '',
	api_provider            TEXT NOT NULL DEFAULT '',
	name                    TEXT NOT NULL DEFAULT '',
	website                 TEXT NOT NULL DEFAULT '',
	public                  INTEGER NOT NULL DEFAULT 0,
	data_collection_enabled INTEGER NOT NULL DEFAULT 0,
	server_key              TEXT NOT NULL DEFAULT '',
	max_connections         INTEGER NOT NULL DEFAULT 0,
	connections             INTEGER NOT NULL DEFAULT 0,
	online                  INTEGER NOT NULL DEFAULT 0,
	healthy                 INTEGER NOT NULL DEFAULT 0,
	created_at              DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at              DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_peers_model_online ON peers(model_name, online);
`,
	},
	{
		id: 2,
		sql: `
CREATE TABLE IF NOT EXISTS provider_sessions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	peer_key         TEXT NOT NULL REFERENCES peers(key) ON DELETE CASCADE,
	start_time       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	end_time         DATETIME,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	total_requests   INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_sessions_open
	ON provider_sessions(peer_key) WHERE end_time IS NULL;
CREATE INDEX IF NOT EXISTS idx_provider_sessions_peer ON provider_sessions(peer_key);
`,
	},
	{
		id: 3,
		sql: `
CREATE TABLE IF NOT EXISTS metrics (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_session_id INTEGER NOT NULL REFERENCES provider_sessions(id) ON DELETE CASCADE,
	reported_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	payload             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_session ON metrics(provider_session_id);
`,
	},
	{
		id: 4,
		sql: `
CREATE TABLE IF NOT EXISTS sessions (
	id                     TEXT PRIMARY KEY,
	provider_discovery_key TEXT NOT NULL,
	created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at             DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`,
	},
	{
		id: 5,
		sql: `
CREATE TABLE IF NOT EXISTS ip_messages (
	ip_address    TEXT PRIMARY KEY,
	message_count INTEGER NOT NULL DEFAULT 0,
	first_seen    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
	},
	{
		id: 6,
		sql: `
CREATE VIEW IF NOT EXISTS session_stats AS
SELECT
	(SELECT COUNT(*) FROM provider_sessions)                                   AS total_sessions,
	(SELECT COUNT(*) FROM provider_sessions WHERE end_time IS NULL)            AS active_sessions,
	(SELECT COALESCE(SUM(total_requests), 0) FROM provider_sessions)           AS total_requests,
	(SELECT COALESCE(SUM(total_requests), 0) FROM provider_sessions
		WHERE date(start_time) = date('now'))                                 AS today_requests,
	(SELECT COALESCE(AVG(duration_minutes), 0) FROM provider_sessions
		WHERE end_time IS NOT NULL)                                           AS avg_duration_minutes,
	(SELECT COALESCE(SUM(duration_minutes), 0) FROM provider_sessions)        AS total_duration_minutes;
`,
	},
}

// migrate creates the migrations bookkeeping table if absent and applies
// every migration whose id hasn't been recorded yet, in ascending order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS migrations (
	id          INTEGER PRIMARY KEY,
	applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.Query(`SELECT id FROM migrations`)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration id: %w", err)
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.id, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.id, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations(id) VALUES (?)`, m.id); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.id, err)
		}
	}
	return nil
}
