// Package registry holds the hub's in-memory connection state: the
// connected-peer map, pending HTTP responders, the inference-token index,
// and per-peer timers (spec §3, "in-memory" entries). Every mutation
// belongs to a single logical serialisation domain (spec §5) — here, one
// mutex guarding all four maps together, so cross-peer cleanup never races
// a concurrent join/disconnect.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrResponderBusy is returned by ParkResponder when a responder is
// already parked for the peer (spec §3: "at most one pending responder
// per peer key at any instant").
var ErrResponderBusy = errors.New("responder already pending for peer")

// ConnHandle is the live connection handle the dispatcher registers for a
// joined peer. The registry only needs to hand it back out and close it —
// framing and protocol semantics live in the transport/dispatch packages.
type ConnHandle interface {
	Send(data []byte) error
	Close() error
}

// Responder is an HTTP response sink: it accepts raw byte chunks from a
// provider's stream and a terminating signal (spec §3, §4.6).
type Responder interface {
	WriteChunk(b []byte) error
	Terminate(err error)
}

// Timers bundles the up-to-three per-peer timers the dispatcher owns
// (spec §3): a session-duration ticker, a health-check ticker, and a
// health-check ack timeout. All three are cancelled together on disconnect.
type Timers struct {
	Duration      *time.Ticker
	HealthCheck   *time.Ticker
	HealthTimeout *time.Timer
}

// CancelAll stops every non-nil timer. Safe to call more than once.
func (t *Timers) CancelAll() {
	if t == nil {
		return
	}
	if t.Duration != nil {
		t.Duration.Stop()
	}
	if t.HealthCheck != nil {
		t.HealthCheck.Stop()
	}
	if t.HealthTimeout != nil {
		t.HealthTimeout.Stop()
	}
}

// Registry is the guarded, single-mutex connection registry.
type Registry struct {
	mu sync.Mutex

	conns      map[string]ConnHandle
	responders map[string]Responder
	timers     map[string]*Timers

	// tokenToPeer is the inference-token index; peerToTokens is its
	// secondary index, keyed by peer, so disconnect cleanup scrubs a
	// peer's tokens without an O(n) sweep of the whole index (spec §9).
	tokenToPeer  map[string]string
	peerToTokens map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:        make(map[string]ConnHandle),
		responders:   make(map[string]Responder),
		timers:       make(map[string]*Timers),
		tokenToPeer:  make(map[string]string),
		peerToTokens: make(map[string]map[string]struct{}),
	}
}

// Attach registers a peer's live connection handle. Called on join.
func (r *Registry) Attach(peerKey string, conn ConnHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[peerKey] = conn
}

// Detach removes a peer's connection handle, returning it if present.
func (r *Registry) Detach(peerKey string) (ConnHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[peerKey]
	delete(r.conns, peerKey)
	return conn, ok
}

// Route returns the live connection handle for a peer key, if connected.
func (r *Registry) Route(peerKey string) (ConnHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[peerKey]
	return conn, ok
}

// SetTimers installs the per-peer timer bundle, replacing and cancelling
// any prior one for the same peer.
func (r *Registry) SetTimers(peerKey string, t *Timers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.timers[peerKey]; ok {
		old.CancelAll()
	}
	r.timers[peerKey] = t
}

// CancelTimers cancels and removes the per-peer timer bundle.
func (r *Registry) CancelTimers(peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[peerKey]; ok {
		t.CancelAll()
		delete(r.timers, peerKey)
	}
}

// ParkResponder registers an HTTP response sink for a provider's peer key.
// Returns ErrResponderBusy if one is already parked there.
func (r *Registry) ParkResponder(peerKey string, resp Responder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.responders[peerKey]; exists {
		return ErrResponderBusy
	}
	r.responders[peerKey] = resp
	return nil
}

// ReleaseResponder removes and returns the responder parked for peerKey,
// if any. Used both on normal completion (inferenceEnded, client
// disconnect) and on peer-side disconnect cleanup.
func (r *Registry) ReleaseResponder(peerKey string) (Responder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.responders[peerKey]
	delete(r.responders, peerKey)
	return resp, ok
}

// GetResponder returns the responder parked for peerKey without removing
// it, for the peer-to-HTTP byte relay loop.
func (r *Registry) GetResponder(peerKey string) (Responder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.responders[peerKey]
	return resp, ok
}

// IndexToken records that an inference token belongs to a peer, so a
// provider's inferenceEnded/raw-byte relay can be attributed back to it
// and cleaned up on disconnect.
func (r *Registry) IndexToken(token, peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenToPeer[token] = peerKey
	set, ok := r.peerToTokens[peerKey]
	if !ok {
		set = make(map[string]struct{})
		r.peerToTokens[peerKey] = set
	}
	set[token] = struct{}{}
}

// ResolveToken returns the peer key an inference token was indexed under.
func (r *Registry) ResolveToken(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peerKey, ok := r.tokenToPeer[token]
	return peerKey, ok
}

// ScrubPeer performs the full disconnect cleanup for a peer in one atomic
// step (spec §4.5.4): removes its connection handle, cancels its timers,
// removes every inference token that mapped to it (via the secondary
// index, not a full sweep), and releases any parked responder. The
// released responder and whether a connection handle existed are returned
// so the caller can write a terminator and close the transport.
func (r *Registry) ScrubPeer(peerKey string) (conn ConnHandle, hadConn bool, resp Responder, hadResp bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, hadConn = r.conns[peerKey]
	delete(r.conns, peerKey)

	if t, ok := r.timers[peerKey]; ok {
		t.CancelAll()
		delete(r.timers, peerKey)
	}

	if tokens, ok := r.peerToTokens[peerKey]; ok {
		for tok := range tokens {
			delete(r.tokenToPeer, tok)
		}
		delete(r.peerToTokens, peerKey)
	}

	resp, hadResp = r.responders[peerKey]
	delete(r.responders, peerKey)

	return conn, hadConn, resp, hadResp
}
