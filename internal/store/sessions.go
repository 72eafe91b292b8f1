package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sessionTTL is the broker session lifetime, extended on touch (spec §3, §5).
const sessionTTL = 10 * time.Minute

// CreateSession mints a broker session token bound to a provider's
// discovery key and returns it. The wire format is a UUID (spec §4.5,
// end-to-end scenario 2: `"sessionToken":"<uuid>"`); the row expires in
// 10 minutes.
func (s *Store) CreateSession(providerDiscoveryKey string) (string, error) {
	token := uuid.NewString()

	err := withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO sessions (id, provider_discovery_key, expires_at)
			VALUES (?, ?, datetime('now', '+10 minutes'))`, token, providerDiscoveryKey)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// VerifySession returns the bound discovery key if the token is unexpired.
// An expired row is deleted and ErrNotFound returned; an absent token also
// returns ErrNotFound.
func (s *Store) VerifySession(token string) (string, error) {
	var discoveryKey string
	var expiresAt time.Time

	err := withRetry(func() error {
		row := s.db.QueryRow(`SELECT provider_discovery_key, expires_at FROM sessions WHERE id = ?`, token)
		return row.Scan(&discoveryKey, &expiresAt)
	})
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("verify session: %w", err)
	}

	if time.Now().After(expiresAt) {
		s.DeleteSession(token)
		return "", ErrNotFound
	}
	return discoveryKey, nil
}

// ExtendSession pushes expires_at to now+10m. No-op if the token is absent.
func (s *Store) ExtendSession(token string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`UPDATE sessions SET expires_at = datetime('now', '+10 minutes') WHERE id = ?`, token)
		if err != nil {
			return fmt.Errorf("extend session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes a session row and reports whether one existed.
func (s *Store) DeleteSession(token string) (bool, error) {
	var affected int64
	err := withRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, token)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return affected > 0, nil
}

// SweepExpiredSessions removes sessions expired by more than an hour, to
// bound table growth. This doesn't change verify/extend semantics — those
// already treat an expired-but-unswept row as absent.
func (s *Store) SweepExpiredSessions() error {
	return withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < datetime('now', '-1 hour')`)
		if err != nil {
			return fmt.Errorf("sweep expired sessions: %w", err)
		}
		return nil
	})
}
