package dispatch

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
)

type fakeConn struct {
	key string

	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeConn(key string) *fakeConn {
	return &fakeConn{
		key:  key,
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case c.out <- data:
		return nil
	default:
		return io.ErrShortWrite
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) RemoteKeyHex() (string, error) { return c.key, nil }

type fakeSigner struct{}

func (fakeSigner) Sign(msg []byte) []byte {
	sig := make([]byte, len(msg))
	copy(sig, msg)
	return sig
}

func newTestDeps(t *testing.T) (*Deps, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	return &Deps{
		Store:          st,
		Registry:       registry.New(),
		Identity:       fakeSigner{},
		RateLimiter:    NewRateLimiter(),
		MinCoreVersion: "1.0.0",
	}, st
}

func recvFrame(t *testing.T, out chan []byte) Frame {
	t.Helper()
	select {
	case b := <-out:
		f, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode() error: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return Frame{}
	}
}

func TestSession_JoinAndAck(t *testing.T) {
	deps, st := newTestDeps(t)
	conn := newFakeConn("peer-key-1")
	s := NewSession(conn, deps)
	go s.Run()
	defer conn.Close()

	join, _ := Encode(KeyJoin, JoinPayload{
		DiscoveryKey: "disc-1", ModelName: "llama3", MaxConnections: 4,
		SymmetryCoreVersion: "1.2.0",
	})
	conn.in <- join

	ack := recvFrame(t, conn.out)
	if ack.Key != KeyJoinAck {
		t.Fatalf("expected joinAck, got %s", ack.Key)
	}
	var ackPayload JoinAckPayload
	if err := ack.DataAs(&ackPayload); err != nil {
		t.Fatalf("DataAs() error: %v", err)
	}
	if ackPayload.Key != "peer-key-1" {
		t.Errorf("joinAck key = %s, want peer-key-1", ackPayload.Key)
	}

	peer, err := st.GetByKey("peer-key-1")
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if !peer.Online {
		t.Error("peer should be online after join")
	}
}

func TestSession_VersionMismatch(t *testing.T) {
	deps, st := newTestDeps(t)
	conn := newFakeConn("peer-key-2")
	s := NewSession(conn, deps)
	go s.Run()
	defer conn.Close()

	join, _ := Encode(KeyJoin, JoinPayload{
		DiscoveryKey: "disc-2", ModelName: "llama3", MaxConnections: 4,
		SymmetryCoreVersion: "0.9.0",
	})
	conn.in <- join

	f := recvFrame(t, conn.out)
	if f.Key != KeyVersionMismatch {
		t.Fatalf("expected versionMismatch, got %s", f.Key)
	}

	if _, err := st.GetByKey("peer-key-2"); err != store.ErrNotFound {
		t.Errorf("no peer row should exist after a version mismatch, got err=%v", err)
	}
}

func joinPeer(t *testing.T, s *Session, conn *fakeConn, discoveryKey, modelName string) {
	t.Helper()
	join, _ := Encode(KeyJoin, JoinPayload{
		DiscoveryKey: discoveryKey, ModelName: modelName, MaxConnections: 4,
		SymmetryCoreVersion: "1.2.0",
	})
	conn.in <- join
	ack := recvFrame(t, conn.out)
	if ack.Key != KeyJoinAck {
		t.Fatalf("expected joinAck, got %s", ack.Key)
	}
}

func TestSession_Challenge(t *testing.T) {
	deps, _ := newTestDeps(t)
	conn := newFakeConn("peer-key-3")
	s := NewSession(conn, deps)
	go s.Run()
	defer conn.Close()

	joinPeer(t, s, conn, "disc-3", "llama3")

	challenge, _ := Encode(KeyChallenge, ChallengePayload{Challenge: []byte("nonce")})
	conn.in <- challenge

	f := recvFrame(t, conn.out)
	if f.Key != KeyChallenge {
		t.Fatalf("expected challenge reply, got %s", f.Key)
	}
	var p ChallengePayload
	if err := f.DataAs(&p); err != nil {
		t.Fatalf("DataAs() error: %v", err)
	}
	if string(p.Signature) != "nonce" {
		t.Errorf("signature = %q, want the fake signer's echo of the challenge", p.Signature)
	}
}

func TestSession_RequestProviderAndVerifySession(t *testing.T) {
	deps, st := newTestDeps(t)
	st.UpsertPeer(&store.Peer{Key: "provider-1", DiscoveryKey: "disc-provider", ModelName: "llama3", MaxConnections: 4})

	conn := newFakeConn("consumer-1")
	s := NewSession(conn, deps)
	go s.Run()
	defer conn.Close()

	joinPeer(t, s, conn, "disc-consumer", "consumer-model")

	req, _ := Encode(KeyRequestProvider, RequestProviderPayload{ModelName: "llama3"})
	conn.in <- req

	f := recvFrame(t, conn.out)
	if f.Key != KeyProviderDetails {
		t.Fatalf("expected providerDetails, got %s", f.Key)
	}
	var details ProviderDetailsPayload
	if err := f.DataAs(&details); err != nil {
		t.Fatalf("DataAs() error: %v", err)
	}
	if details.ProviderID != "provider-1" {
		t.Errorf("providerId = %s, want provider-1", details.ProviderID)
	}

	verify, _ := Encode(KeyVerifySession, details.SessionToken)
	conn.in <- verify

	valid := recvFrame(t, conn.out)
	if valid.Key != KeySessionValid {
		t.Fatalf("expected sessionValid, got %s", valid.Key)
	}
	var sv SessionValidPayload
	if err := valid.DataAs(&sv); err != nil {
		t.Fatalf("DataAs() error: %v", err)
	}
	if sv.DiscoveryKey != "disc-provider" {
		t.Errorf("sessionValid discoveryKey = %s, want disc-provider", sv.DiscoveryKey)
	}
}

func TestSession_RequestProvider_NoneAvailableIsSilent(t *testing.T) {
	deps, _ := newTestDeps(t)
	conn := newFakeConn("consumer-2")
	s := NewSession(conn, deps)
	go s.Run()
	defer conn.Close()

	joinPeer(t, s, conn, "disc-consumer-2", "llama3")

	req, _ := Encode(KeyRequestProvider, RequestProviderPayload{ModelName: "does-not-exist"})
	conn.in <- req

	select {
	case b := <-conn.out:
		t.Fatalf("expected silence on no-provider, got a frame: %s", b)
	case <-time.After(200 * time.Millisecond):
	}
}

type fakeResponder struct {
	chunks [][]byte
	done   chan error
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{done: make(chan error, 1)}
}

func (r *fakeResponder) WriteChunk(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	r.chunks = append(r.chunks, cp)
	return nil
}

func (r *fakeResponder) Terminate(err error) { r.done <- err }

// TestSession_RelaysJSONShapedProviderChunks guards against keying the
// raw-bytes-vs-frame decision off of Decode() failing: a provider's
// streamed chunk is often itself valid JSON (an Ollama- or
// OpenAI-shaped delta) with no "key" field, and must still reach the
// parked HTTP responder rather than being silently dropped as an
// unrecognized frame.
func TestSession_RelaysJSONShapedProviderChunks(t *testing.T) {
	deps, st := newTestDeps(t)
	st.UpsertPeer(&store.Peer{Key: "provider-json", DiscoveryKey: "disc-json", ModelName: "llama3", MaxConnections: 4})

	conn := newFakeConn("provider-json")
	s := NewSession(conn, deps)
	go s.Run()
	defer conn.Close()

	joinPeer(t, s, conn, "disc-json", "llama3")

	resp := newFakeResponder()
	if err := deps.Registry.ParkResponder("provider-json", resp); err != nil {
		t.Fatalf("ParkResponder() error: %v", err)
	}

	chunk := []byte(`{"response":"hello","done":false}`)
	conn.in <- chunk

	deadline := time.After(2 * time.Second)
	for len(resp.chunks) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the JSON-shaped chunk to be relayed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if string(resp.chunks[0]) != string(chunk) {
		t.Errorf("relayed chunk = %s, want %s", resp.chunks[0], chunk)
	}
}

func TestSession_Disconnect_EndsSessionAndMarksOffline(t *testing.T) {
	deps, st := newTestDeps(t)
	conn := newFakeConn("peer-key-4")
	s := NewSession(conn, deps)

	runDone := make(chan struct{})
	go func() { s.Run(); close(runDone) }()

	joinPeer(t, s, conn, "disc-4", "llama3")

	conn.Close()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("session.Run() did not return after disconnect")
	}

	peer, err := st.GetByKey("peer-key-4")
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if peer.Online {
		t.Error("peer should be offline after disconnect")
	}

	if _, err := st.ActiveSessionID("peer-key-4"); err != store.ErrNotFound {
		t.Errorf("provider session should be closed after disconnect, ActiveSessionID err=%v", err)
	}

	if _, ok := deps.Registry.Route("peer-key-4"); ok {
		t.Error("registry should not route to a disconnected peer")
	}
}
