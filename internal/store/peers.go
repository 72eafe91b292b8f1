package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Peer is the durable record of a known provider (spec §3).
type Peer struct {
	Key                   string
	DiscoveryKey          string
	ModelName             string
	APIProvider           string
	Name                  string
	Website               string
	Public                bool
	DataCollectionEnabled bool
	ServerKey             string
	MaxConnections        int
	Connections           int
	Online                bool
	Healthy               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PeerWithStats is a Peer joined with its session/metric aggregates, for
// the directory and stats pages.
type PeerWithStats struct {
	Peer
	SessionCount  int
	TotalRequests int
	ActiveSession bool
}

// UpsertPeer inserts or replaces the row by key. On conflict the
// connections counter and created_at are preserved; max_connections, the
// descriptive fields and healthy take the caller's values; online is always
// reset to true and updated_at refreshed, per spec §4.1.
func (s *Store) UpsertPeer(p *Peer) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
INSERT INTO peers (
	key, discovery_key, model_name, api_provider, name, website, public,
	data_collection_enabled, server_key, max_connections, connections,
	online, healthy, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET
	discovery_key           = excluded.discovery_key,
	model_name              = excluded.model_name,
	api_provider            = excluded.api_provider,
	name                    = excluded.name,
	website                 = excluded.website,
	public                  = excluded.public,
	data_collection_enabled = excluded.data_collection_enabled,
	server_key              = excluded.server_key,
	max_connections         = excluded.max_connections,
	online                  = 1,
	healthy                 = excluded.healthy,
	updated_at              = CURRENT_TIMESTAMP
`,
			p.Key, p.DiscoveryKey, p.ModelName, p.APIProvider, p.Name, p.Website,
			p.Public, p.DataCollectionEnabled, p.ServerKey, p.MaxConnections,
			p.Connections, p.Healthy)
		if err != nil {
			return fmt.Errorf("upsert peer %s: %w", p.Key, err)
		}
		return nil
	})
}

// SetOffline marks a peer offline.
func (s *Store) SetOffline(key string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`UPDATE peers SET online = 0, updated_at = CURRENT_TIMESTAMP WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("set peer %s offline: %w", key, err)
		}
		return nil
	})
}

// UpdateConnections records the provider's self-reported connection fan-out.
func (s *Store) UpdateConnections(key string, n int) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`UPDATE peers SET connections = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ?`, n, key)
		if err != nil {
			return fmt.Errorf("update connections for %s: %w", key, err)
		}
		return nil
	})
}

// SetHealthy records the outcome of a health-check round trip (spec §4.5.2).
func (s *Store) SetHealthy(key string, healthy bool) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`UPDATE peers SET healthy = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ?`, healthy, key)
		if err != nil {
			return fmt.Errorf("set peer %s healthy=%v: %w", key, healthy, err)
		}
		return nil
	})
}

// GetByKey returns a single peer by its public key.
func (s *Store) GetByKey(key string) (*Peer, error) {
	return s.getOne(`SELECT key, discovery_key, model_name, api_provider, name, website,
		public, data_collection_enabled, server_key, max_connections, connections,
		online, healthy, created_at, updated_at FROM peers WHERE key = ?`, key)
}

// GetByDiscoveryKey returns a single peer by its discovery key.
func (s *Store) GetByDiscoveryKey(discoveryKey string) (*Peer, error) {
	return s.getOne(`SELECT key, discovery_key, model_name, api_provider, name, website,
		public, data_collection_enabled, server_key, max_connections, connections,
		online, healthy, created_at, updated_at FROM peers WHERE discovery_key = ?`, discoveryKey)
}

func (s *Store) getOne(query string, arg any) (*Peer, error) {
	var p Peer
	err := withRetry(func() error {
		row := s.db.QueryRow(query, arg)
		return scanPeer(row, &p)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer: %w", err)
	}
	return &p, nil
}

func scanPeer(row *sql.Row, p *Peer) error {
	return row.Scan(&p.Key, &p.DiscoveryKey, &p.ModelName, &p.APIProvider, &p.Name,
		&p.Website, &p.Public, &p.DataCollectionEnabled, &p.ServerKey,
		&p.MaxConnections, &p.Connections, &p.Online, &p.Healthy,
		&p.CreatedAt, &p.UpdatedAt)
}

// GetRandom returns a uniformly random online peer serving modelName, or
// ErrNotFound if none match. Matchmaking (spec §4.5.1) calls this.
func (s *Store) GetRandom(modelName string) (*Peer, error) {
	var p Peer
	err := withRetry(func() error {
		row := s.db.QueryRow(`SELECT key, discovery_key, model_name, api_provider, name, website,
			public, data_collection_enabled, server_key, max_connections, connections,
			online, healthy, created_at, updated_at FROM peers
			WHERE online = 1 AND model_name = ? ORDER BY RANDOM() LIMIT 1`, modelName)
		return scanPeer(row, &p)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get random peer for model %s: %w", modelName, err)
	}
	return &p, nil
}

// ResetAllConnections sets every row offline with zero connections. Called
// once at startup, per spec §5 and the restart invariant in §8.
func (s *Store) ResetAllConnections() error {
	return withRetry(func() error {
		_, err := s.db.Exec(`UPDATE peers SET online = 0, connections = 0, updated_at = CURRENT_TIMESTAMP`)
		if err != nil {
			return fmt.Errorf("reset all peer connections: %w", err)
		}
		return nil
	})
}

// GetAll returns every peer joined with its session/metric aggregates, for
// the directory and stats pages.
func (s *Store) GetAll() ([]PeerWithStats, error) {
	var out []PeerWithStats
	err := withRetry(func() error {
		out = nil
		rows, err := s.db.Query(`
SELECT p.key, p.discovery_key, p.model_name, p.api_provider, p.name, p.website,
	p.public, p.data_collection_enabled, p.server_key, p.max_connections, p.connections,
	p.online, p.healthy, p.created_at, p.updated_at,
	COUNT(ps.id) AS session_count,
	COALESCE(SUM(ps.total_requests), 0) AS total_requests,
	COALESCE(SUM(CASE WHEN ps.end_time IS NULL THEN 1 ELSE 0 END), 0) AS active_session
FROM peers p
LEFT JOIN provider_sessions ps ON ps.peer_key = p.key
GROUP BY p.key
ORDER BY p.key`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var row PeerWithStats
			var activeSession int
			if err := rows.Scan(&row.Key, &row.DiscoveryKey, &row.ModelName, &row.APIProvider,
				&row.Name, &row.Website, &row.Public, &row.DataCollectionEnabled, &row.ServerKey,
				&row.MaxConnections, &row.Connections, &row.Online, &row.Healthy,
				&row.CreatedAt, &row.UpdatedAt, &row.SessionCount, &row.TotalRequests, &activeSession); err != nil {
				return err
			}
			row.ActiveSession = activeSession > 0
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get all peers: %w", err)
	}
	return out, nil
}

// Delete hard-deletes a peer row. Used by the admin CLI's delete-peer.
func (s *Store) Delete(key string) (bool, error) {
	var affected int64
	err := withRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM peers WHERE key = ?`, key)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete peer %s: %w", key, err)
	}
	return affected > 0, nil
}
