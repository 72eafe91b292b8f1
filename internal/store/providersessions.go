package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/symmetry-network/hub/internal/log"
)

// Stats is the aggregate snapshot backing the GET /ws stats field (spec §4.6).
type Stats struct {
	TotalSessions      int
	ActiveSessions     int
	TotalRequests      int
	TodayRequests      int
	AvgDurationMinutes float64
	TotalDurationMin   int
}

// StartSession opens a new provider session row for a peer connection. The
// dispatcher calls this once per connection, not once per request (spec
// §4.3). If an open row already exists for this peer — a sign a previous
// disconnect left a stale row behind — it is force-closed and the start is
// retried once, since the partial unique index on end_time IS NULL would
// otherwise reject the insert.
func (s *Store) StartSession(peerKey string) (int64, error) {
	id, err := s.tryStartSession(peerKey)
	if err == nil {
		return id, nil
	}
	if !isUniqueViolation(err) {
		return 0, fmt.Errorf("start session for %s: %w", peerKey, err)
	}

	log.Store.Warn().Str("peer_key", peerKey).Msg("stale open provider session found on start, force-closing")
	if err := s.EndSession(peerKey); err != nil {
		return 0, fmt.Errorf("force-close stale session for %s: %w", peerKey, err)
	}
	id, err = s.tryStartSession(peerKey)
	if err != nil {
		return 0, fmt.Errorf("start session for %s after force-close: %w", peerKey, err)
	}
	return id, nil
}

func (s *Store) tryStartSession(peerKey string) (int64, error) {
	var id int64
	err := withRetry(func() error {
		res, err := s.db.Exec(`INSERT INTO provider_sessions (peer_key) VALUES (?)`, peerKey)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// UpdateDuration sets duration_minutes on the open row to the integer
// minutes elapsed since start_time. The session-duration ticker (every 5
// minutes, spec §4.5) calls this.
func (s *Store) UpdateDuration(peerKey string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
UPDATE provider_sessions
SET duration_minutes = CAST((julianday('now') - julianday(start_time)) * 1440 AS INTEGER)
WHERE peer_key = ? AND end_time IS NULL`, peerKey)
		if err != nil {
			return fmt.Errorf("update duration for %s: %w", peerKey, err)
		}
		return nil
	})
}

// EndSession marks the single open row for peerKey as closed.
func (s *Store) EndSession(peerKey string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
UPDATE provider_sessions
SET end_time = CURRENT_TIMESTAMP,
    duration_minutes = CAST((julianday('now') - julianday(start_time)) * 1440 AS INTEGER)
WHERE peer_key = ? AND end_time IS NULL`, peerKey)
		if err != nil {
			return fmt.Errorf("end session for %s: %w", peerKey, err)
		}
		return nil
	})
}

// EndOrphans closes every still-open row. Called once at startup to satisfy
// the restart invariant (spec §8).
func (s *Store) EndOrphans() error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
UPDATE provider_sessions
SET end_time = CURRENT_TIMESTAMP,
    duration_minutes = CAST((julianday('now') - julianday(start_time)) * 1440 AS INTEGER)
WHERE end_time IS NULL`)
		if err != nil {
			return fmt.Errorf("end orphan sessions: %w", err)
		}
		return nil
	})
}

// ActiveSessionID returns the id of the open session for peerKey, if any.
func (s *Store) ActiveSessionID(peerKey string) (int64, error) {
	var id int64
	err := withRetry(func() error {
		row := s.db.QueryRow(`SELECT id FROM provider_sessions WHERE peer_key = ? AND end_time IS NULL`, peerKey)
		return row.Scan(&id)
	})
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("active session id for %s: %w", peerKey, err)
	}
	return id, nil
}

// AddMetrics appends a completion metrics snapshot to a session (spec §3,
// append-only).
func (s *Store) AddMetrics(sessionID int64, payloadJSON string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO metrics (provider_session_id, payload) VALUES (?, ?)`, sessionID, payloadJSON)
		if err != nil {
			return fmt.Errorf("add metrics for session %d: %w", sessionID, err)
		}
		return nil
	})
}

// LogRequest increments total_requests on the given session.
func (s *Store) LogRequest(sessionID int64) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`UPDATE provider_sessions SET total_requests = total_requests + 1 WHERE id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("log request for session %d: %w", sessionID, err)
		}
		return nil
	})
}

// GetStats returns the aggregate totals backing GET /ws, read through the
// session_stats view.
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	err := withRetry(func() error {
		row := s.db.QueryRow(`SELECT total_sessions, active_sessions, total_requests,
			today_requests, avg_duration_minutes, total_duration_minutes FROM session_stats`)
		return row.Scan(&st.TotalSessions, &st.ActiveSessions, &st.TotalRequests,
			&st.TodayRequests, &st.AvgDurationMinutes, &st.TotalDurationMin)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("get stats: %w", err)
	}
	return st, nil
}
