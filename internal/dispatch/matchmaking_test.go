package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/symmetry-network/hub/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMatchmake_NoProvider(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := Matchmake(s, "llama3"); err != ErrNoProvider {
		t.Errorf("Matchmake() error = %v, want ErrNoProvider", err)
	}
}

func TestMatchmake_Saturated(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPeer(&store.Peer{Key: "p1", DiscoveryKey: "d1", ModelName: "llama3", MaxConnections: 2})
	s.UpdateConnections("p1", 2)

	if _, _, err := Matchmake(s, "llama3"); err != ErrProviderSaturated {
		t.Errorf("Matchmake() error = %v, want ErrProviderSaturated", err)
	}
}

func TestMatchmake_SelectsAndIssuesSession(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPeer(&store.Peer{Key: "p1", DiscoveryKey: "d1", ModelName: "llama3", MaxConnections: 4})

	peer, token, err := Matchmake(s, "llama3")
	if err != nil {
		t.Fatalf("Matchmake() error: %v", err)
	}
	if peer.Key != "p1" {
		t.Errorf("Matchmake() peer = %s, want p1", peer.Key)
	}
	if token == "" {
		t.Error("Matchmake() should return a non-empty session token")
	}

	discoveryKey, err := s.VerifySession(token)
	if err != nil {
		t.Fatalf("VerifySession() error: %v", err)
	}
	if discoveryKey != "d1" {
		t.Errorf("VerifySession() = %s, want d1", discoveryKey)
	}
}

func TestMatchmake_FairnessAcrossProviders(t *testing.T) {
	s := newTestStore(t)
	providers := []string{"p1", "p2", "p3"}
	for _, key := range providers {
		s.UpsertPeer(&store.Peer{Key: key, DiscoveryKey: "d-" + key, ModelName: "llama3", MaxConnections: 1000})
	}

	counts := make(map[string]int)
	const n = 300
	for i := 0; i < n; i++ {
		peer, _, err := Matchmake(s, "llama3")
		if err != nil {
			t.Fatalf("Matchmake() error: %v", err)
		}
		counts[peer.Key]++
	}

	for _, key := range providers {
		got := counts[key]
		if got < n/10 {
			t.Errorf("provider %s selected %d/%d times, expected roughly uniform coverage", key, got, n)
		}
	}
}
