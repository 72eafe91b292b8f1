package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/store"
)

const statsInterval = 5 * time.Second

// statsSnapshot is the JSON payload GET /ws emits (spec §4.6).
type statsSnapshot struct {
	UniquePeerCount int                   `json:"uniquePeerCount"`
	ActivePeers     int                   `json:"activePeers"`
	ActiveModels    []string              `json:"activeModels"`
	AllPeers        []store.PeerWithStats `json:"allPeers"`
	Stats           store.Stats           `json:"stats"`
}

var upgrader = websocket.Upgrader{}

// handleStatsWS implements GET /ws: one snapshot on connect, then every
// 5 seconds until the client disconnects.
func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || s.originAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.HTTP.Warn().Err(err).Msg("failed to upgrade stats websocket")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	if !s.sendSnapshot(conn) {
		return
	}
	for range ticker.C {
		if !s.sendSnapshot(conn) {
			return
		}
	}
}

func (s *Server) sendSnapshot(conn *websocket.Conn) bool {
	snap, err := s.buildSnapshot()
	if err != nil {
		log.HTTP.Warn().Err(err).Msg("failed to build stats snapshot")
		return true // a transient store error shouldn't drop the socket.
	}
	if err := conn.WriteJSON(snap); err != nil {
		return false
	}
	return true
}

func (s *Server) buildSnapshot() (statsSnapshot, error) {
	peers, err := s.store.GetAll()
	if err != nil {
		return statsSnapshot{}, err
	}
	stats, err := s.store.GetStats()
	if err != nil {
		return statsSnapshot{}, err
	}

	active := 0
	modelSeen := make(map[string]struct{})
	var models []string
	for _, p := range peers {
		if !p.Online {
			continue
		}
		active++
		if _, ok := modelSeen[p.ModelName]; !ok {
			modelSeen[p.ModelName] = struct{}{}
			models = append(models, p.ModelName)
		}
	}

	return statsSnapshot{
		UniquePeerCount: len(peers),
		ActivePeers:     active,
		ActiveModels:    models,
		AllPeers:        peers,
		Stats:           stats,
	}, nil
}
