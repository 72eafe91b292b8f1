package dispatch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
)

// durationTickInterval and healthCheckInterval drive the two per-peer
// tickers a JOINED session runs (spec §4.5.2, §4.5 JOINED state).
const (
	durationTickInterval = 5 * time.Minute
	healthCheckInterval  = 15 * time.Minute
	healthAckTimeout     = 15 * time.Second
)

// fatalTransportSubstrings identify a dead connection even when the
// underlying error isn't a clean io.EOF (spec §4.5.4).
var fatalTransportSubstrings = []string{
	"connection reset by peer",
	"network timeout",
	"socket hang up",
}

// Conn is what a session needs from its transport connection. transport.Conn
// satisfies this.
type Conn interface {
	Read() ([]byte, error)
	Send(data []byte) error
	Close() error
	RemoteKeyHex() (string, error)
}

type state int

const (
	stateOpen state = iota
	stateJoined
	stateClosed
)

// Deps bundles the shared services a session needs; one instance is built
// once at startup and handed to every Session (spec §4, the dispatcher
// sits in front of C1-C5).
type Deps struct {
	Store       *store.Store
	Registry    *registry.Registry
	Identity    signer
	RateLimiter *RateLimiter

	MinCoreVersion string
}

// signer is the subset of identity.Identity a session needs, kept narrow
// so this package doesn't import identity directly.
type signer interface {
	Sign(msg []byte) []byte
}

// signalKind is an out-of-band event delivered through the session's
// mailbox, alongside frames read off the wire (spec §9: "a small command
// mailbox for out-of-band signals").
type signalKind int

const (
	signalDurationTick signalKind = iota
	signalHealthTick
	signalHealthTimeout
)

type readResult struct {
	data []byte
	err  error
}

// Session is the per-connection dispatcher state machine: OPEN, JOINED,
// CLOSED (spec §4.5). One Session runs one worker goroutine per
// connection, with a read loop for wire frames and a mailbox for timer
// signals.
type Session struct {
	conn Conn
	deps *Deps

	state   state
	peerKey string

	sessionID int64

	mailbox chan signalKind
	done    chan struct{}

	pendingHealthID string
	healthTimeout   *time.Timer
}

// NewSession builds a session for a freshly accepted connection. Call Run
// to drive it; Run blocks until the connection closes.
func NewSession(conn Conn, deps *Deps) *Session {
	return &Session{
		conn:    conn,
		deps:    deps,
		state:   stateOpen,
		mailbox: make(chan signalKind, 4),
		done:    make(chan struct{}),
	}
}

// Run drives the session to completion: identifies the remote peer from
// the transport-level key, then alternates between wire frames and timer
// signals until the connection closes or a fatal error occurs.
func (s *Session) Run() {
	peerKey, err := s.conn.RemoteKeyHex()
	if err != nil {
		log.Dispatch.Warn().Err(err).Msg("connection has no identifiable remote key, closing")
		s.conn.Close()
		return
	}
	s.peerKey = peerKey
	logger := log.WithPeerKey(peerKey)

	readCh := make(chan readResult)
	go s.readLoop(readCh)

	for {
		select {
		case r := <-readCh:
			if r.err != nil {
				s.onDisconnect(r.err)
				return
			}
			if s.state == stateJoined && !s.deps.RateLimiter.Allow(peerKey) {
				logger.Warn().Msg("peer exceeded per-minute message rate limit, dropping frame")
				continue
			}
			s.handleRaw(r.data)
			if s.state == stateClosed {
				return
			}
		case sig := <-s.mailbox:
			s.handleSignal(sig)
		}
	}
}

func (s *Session) readLoop(out chan<- readResult) {
	for {
		data, err := s.conn.Read()
		select {
		case out <- readResult{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleRaw(raw []byte) {
	frame, decodeErr := Decode(raw)

	// A provider's streamed completion chunk is relayed verbatim, not
	// parsed as a frame (spec §4.6, the byte-splice path) — this is true
	// whether the chunk happens to be valid JSON (an Ollama- or
	// OpenAI-shaped delta, which has no "key" field) or not. Keying off
	// decodeErr alone would hand a JSON-shaped chunk to handleFrame,
	// where it falls through the switch's default case and is dropped.
	if decodeErr != nil || !IsKnownKey(frame.Key) {
		if resp, ok := s.deps.Registry.GetResponder(s.peerKey); ok {
			if werr := resp.WriteChunk(raw); werr != nil {
				log.WithPeerKey(s.peerKey).Warn().Err(werr).Msg("failed to relay provider bytes to HTTP responder")
			}
			return
		}
		if decodeErr != nil {
			log.WithPeerKey(s.peerKey).Warn().Err(decodeErr).Msg("dropped malformed frame")
		} else {
			log.WithPeerKey(s.peerKey).Warn().Str("key", frame.Key).Msg("dropped frame with unrecognized key")
		}
		return
	}
	s.handleFrame(frame)
}

func (s *Session) handleFrame(f Frame) {
	if s.state == stateOpen {
		if f.Key != KeyJoin {
			return // OPEN only honors join; everything else is dropped silently.
		}
		s.handleJoin(f)
		return
	}

	switch f.Key {
	case KeyChallenge:
		s.handleChallenge(f)
	case KeyConnectionSize:
		s.handleConnectionSize(f)
	case KeyRequestProvider:
		s.handleRequestProvider(f)
	case KeyVerifySession:
		s.handleVerifySession(f)
	case KeyInference:
		s.handleInference(f)
	case KeySendMetrics:
		s.handleSendMetrics(f)
	case KeyHealthCheck:
		s.handleHealthCheckAck(f)
	case KeyInferenceEnded:
		s.handleInferenceEnded(f)
	default:
		// Unknown keys are ignored (spec §6).
	}
}

func (s *Session) handleJoin(f Frame) {
	var p JoinPayload
	if err := f.DataAs(&p); err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("malformed join payload")
		return
	}

	if p.SymmetryCoreVersion == "" || versionLess(p.SymmetryCoreVersion, s.deps.MinCoreVersion) {
		raw, err := Encode(KeyVersionMismatch, VersionMismatchPayload{MinVersion: s.deps.MinCoreVersion})
		if err != nil {
			return
		}
		_ = s.conn.Send(raw)
		return
	}

	peer := &store.Peer{
		Key:                   s.peerKey,
		DiscoveryKey:          p.DiscoveryKey,
		ModelName:             p.ModelName,
		APIProvider:           p.APIProvider,
		Name:                  p.Name,
		Website:               p.Website,
		Public:                p.Public,
		DataCollectionEnabled: p.DataCollection,
		MaxConnections:        p.MaxConnections,
		Healthy:               true,
	}
	if err := s.deps.Store.UpsertPeer(peer); err != nil {
		log.WithPeerKey(s.peerKey).Error().Err(err).Msg("failed to upsert peer on join")
		return
	}

	sessionID, err := s.deps.Store.StartSession(s.peerKey)
	if err != nil {
		log.WithPeerKey(s.peerKey).Error().Err(err).Msg("failed to start provider session on join")
		return
	}
	s.sessionID = sessionID

	s.deps.Registry.Attach(s.peerKey, s.conn)
	s.armTimers()
	s.state = stateJoined
	metrics.ConnectedPeers.Inc()
	metrics.PeerJoinsTotal.Inc()

	raw, err := Encode(KeyJoinAck, JoinAckPayload{Status: "success", Key: s.peerKey})
	if err != nil {
		return
	}
	if err := s.conn.Send(raw); err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to send joinAck")
	}
}

func (s *Session) handleChallenge(f Frame) {
	var p ChallengePayload
	if err := f.DataAs(&p); err != nil || len(p.Challenge) == 0 {
		return
	}
	sig := s.deps.Identity.Sign(p.Challenge)
	raw, err := Encode(KeyChallenge, ChallengePayload{Signature: sig})
	if err != nil {
		return
	}
	_ = s.conn.Send(raw)
}

func (s *Session) handleConnectionSize(f Frame) {
	var p ConnectionSizePayload
	if err := f.DataAs(&p); err != nil {
		return
	}
	if err := s.deps.Store.UpdateConnections(s.peerKey, p.Connections); err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to record connection size")
	}
}

func (s *Session) handleRequestProvider(f Frame) {
	var p RequestProviderPayload
	if err := f.DataAs(&p); err != nil {
		return
	}
	peer, token, err := Matchmake(s.deps.Store, p.ModelName)
	if err != nil {
		// ErrNoProvider and ErrProviderSaturated both reply with silence;
		// the requester is expected to retry (spec §4.5.1).
		return
	}
	raw, err := Encode(KeyProviderDetails, ProviderDetailsPayload{ProviderID: peer.Key, SessionToken: token})
	if err != nil {
		return
	}
	_ = s.conn.Send(raw)
}

func (s *Session) handleVerifySession(f Frame) {
	var token string
	if err := f.DataAs(&token); err != nil || token == "" {
		return
	}
	discoveryKey, err := s.deps.Store.VerifySession(token)
	if err != nil {
		return // expired/absent tokens are silent, never an error frame (spec §7).
	}
	_ = s.deps.Store.ExtendSession(token)

	peer, err := s.deps.Store.GetByDiscoveryKey(discoveryKey)
	if err != nil {
		return
	}
	raw, err := Encode(KeySessionValid, SessionValidPayload{
		DiscoveryKey: peer.DiscoveryKey,
		ModelName:    peer.ModelName,
		Name:         peer.Name,
		Provider:     peer.APIProvider,
	})
	if err != nil {
		return
	}
	_ = s.conn.Send(raw)
}

func (s *Session) handleInference(f Frame) {
	var p InferencePayload
	if err := f.DataAs(&p); err != nil || p.Key == "" {
		return
	}
	s.deps.Registry.IndexToken(p.Key, s.peerKey)
	if s.sessionID != 0 {
		if err := s.deps.Store.LogRequest(s.sessionID); err != nil {
			log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to log inference request")
		}
	}
}

func (s *Session) handleSendMetrics(f Frame) {
	if s.sessionID == 0 {
		return
	}
	if err := s.deps.Store.AddMetrics(s.sessionID, string(f.Data)); err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to append metrics")
	}
}

func (s *Session) handleHealthCheckAck(f Frame) {
	var p HealthCheckPayload
	if err := f.DataAs(&p); err != nil {
		return
	}
	if s.pendingHealthID == "" || p.RequestID != s.pendingHealthID {
		return
	}
	s.pendingHealthID = ""
	if s.healthTimeout != nil {
		s.healthTimeout.Stop()
		s.healthTimeout = nil
	}
	if err := s.deps.Store.SetHealthy(s.peerKey, true); err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to record healthy peer")
	}
}

func (s *Session) handleInferenceEnded(f Frame) {
	if resp, ok := s.deps.Registry.ReleaseResponder(s.peerKey); ok {
		resp.Terminate(nil)
	}
}

// armTimers starts the duration and health tickers and registers them in
// the registry so a disconnect cancels both together (spec §4.5, §9).
func (s *Session) armTimers() {
	durationTicker := time.NewTicker(durationTickInterval)
	healthTicker := time.NewTicker(healthCheckInterval)

	s.deps.Registry.SetTimers(s.peerKey, &registry.Timers{
		Duration:    durationTicker,
		HealthCheck: healthTicker,
	})

	go s.forwardTicks(durationTicker.C, signalDurationTick)
	go s.forwardTicks(healthTicker.C, signalHealthTick)
}

func (s *Session) forwardTicks(c <-chan time.Time, kind signalKind) {
	for {
		select {
		case _, ok := <-c:
			if !ok {
				return
			}
			select {
			case s.mailbox <- kind:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleSignal(sig signalKind) {
	switch sig {
	case signalDurationTick:
		if err := s.deps.Store.UpdateDuration(s.peerKey); err != nil {
			log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to update session duration")
		}
	case signalHealthTick:
		s.sendHealthCheck()
	case signalHealthTimeout:
		s.onHealthTimeout()
	}
}

// sendHealthCheck starts one health-check round: a random request id, a
// healthCheck frame, and a 15s ack timeout (spec §4.5.2).
func (s *Session) sendHealthCheck() {
	id, err := randomHex(16)
	if err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to generate health-check request id")
		return
	}
	s.pendingHealthID = id

	raw, err := Encode(KeyHealthCheck, HealthCheckPayload{RequestID: id})
	if err != nil {
		return
	}
	if err := s.conn.Send(raw); err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to send healthCheck")
		return
	}

	if s.healthTimeout != nil {
		s.healthTimeout.Stop()
	}
	timer := time.NewTimer(healthAckTimeout)
	s.healthTimeout = timer
	go func() {
		select {
		case <-timer.C:
			select {
			case s.mailbox <- signalHealthTimeout:
			case <-s.done:
			}
		case <-s.done:
		}
	}()
}

// onHealthTimeout fires when a health-check ack doesn't arrive in time.
// The peer is marked unhealthy and informed, but the connection stays up
// (spec §4.5.2, §9 open question: preserved as documented).
func (s *Session) onHealthTimeout() {
	if s.pendingHealthID == "" {
		return // ack arrived between the timer firing and this signal being processed.
	}
	s.pendingHealthID = ""
	s.healthTimeout = nil

	if err := s.deps.Store.SetHealthy(s.peerKey, false); err != nil {
		log.WithPeerKey(s.peerKey).Warn().Err(err).Msg("failed to record unhealthy peer")
	}
	raw, err := Encode(KeyHealthCheckFailed, nil)
	if err != nil {
		return
	}
	_ = s.conn.Send(raw)
}

// onDisconnect performs the CLOSED transition (spec §4.5.4): cancel
// timers, scrub the connected-peer and token maps, mark the peer
// offline, end its provider session, and terminate any parked responder.
func (s *Session) onDisconnect(cause error) {
	if s.state == stateClosed {
		return
	}
	wasJoined := s.state == stateJoined
	s.state = stateClosed
	close(s.done)
	if s.healthTimeout != nil {
		s.healthTimeout.Stop()
		s.healthTimeout = nil
	}
	if wasJoined {
		metrics.ConnectedPeers.Dec()
		metrics.PeerDisconnectsTotal.Inc()
	}

	logger := log.WithPeerKey(s.peerKey)
	if cause != nil && !isCleanClose(cause) {
		logger.Warn().Err(cause).Msg("peer connection closed")
	} else {
		logger.Info().Msg("peer connection closed")
	}

	_, _, resp, hadResp := s.deps.Registry.ScrubPeer(s.peerKey)
	if hadResp {
		resp.Terminate(fmt.Errorf("provider disconnected"))
	}

	if s.peerKey != "" {
		if err := s.deps.Store.SetOffline(s.peerKey); err != nil {
			logger.Warn().Err(err).Msg("failed to mark peer offline on disconnect")
		}
		if err := s.deps.Store.EndSession(s.peerKey); err != nil {
			logger.Warn().Err(err).Msg("failed to end session on disconnect")
		}
	}

	s.conn.Close()
}

func isCleanClose(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	for _, sub := range fatalTransportSubstrings {
		if strings.Contains(msg, sub) {
			return false
		}
	}
	return strings.Contains(msg, "EOF")
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
