package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TouchIPMessage upserts the fixed-window counter for ip. The window is
// anchored at first_seen: while now is still within windowMinutes of
// first_seen, message_count increments; once the window has elapsed, the
// row resets to count 1 with a fresh first_seen, rather than accumulating
// forever (spec §4.6 steps 2-3, "fixed-window HTTP rate limiting").
func (s *Store) TouchIPMessage(ip string, windowMinutes int) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
INSERT INTO ip_messages (ip_address, message_count, first_seen, last_seen)
VALUES (?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT(ip_address) DO UPDATE SET
	message_count = CASE
		WHEN first_seen <= datetime('now', '-' || ? || ' minutes') THEN 1
		ELSE message_count + 1
	END,
	first_seen = CASE
		WHEN first_seen <= datetime('now', '-' || ? || ' minutes') THEN CURRENT_TIMESTAMP
		ELSE first_seen
	END,
	last_seen = CURRENT_TIMESTAMP
`, ip, windowMinutes, windowMinutes)
		if err != nil {
			return fmt.Errorf("touch ip message for %s: %w", ip, err)
		}
		return nil
	})
}

// GetIPMessageCount returns the message count for ip within its current
// fixed window (anchored at first_seen), and whether the window is still
// open at all.
func (s *Store) GetIPMessageCount(ip string, windowMinutes int) (int, bool, error) {
	var count int
	var firstSeen time.Time
	err := withRetry(func() error {
		row := s.db.QueryRow(`SELECT message_count, first_seen FROM ip_messages WHERE ip_address = ?`, ip)
		return row.Scan(&count, &firstSeen)
	})
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get ip message count for %s: %w", ip, err)
	}
	cutoff := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)
	if firstSeen.Before(cutoff) {
		return 0, false, nil
	}
	return count, true, nil
}
