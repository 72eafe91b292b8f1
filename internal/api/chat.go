package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/symmetry-network/hub/internal/dispatch"
	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
)

const maxChatBodyBytes = 1 << 20

type chatRequest struct {
	SessionRequest struct {
		ModelName           string `json:"modelName"`
		PreferredProviderID string `json:"preferredProviderId,omitempty"`
	} `json:"sessionRequest"`
	Data struct {
		Messages json.RawMessage `json:"messages"`
	} `json:"data"`
}

// handleChatCompletions implements POST /v1/chat/completions (spec §4.6):
// rate-limit, pick a provider, park an SSE responder, and hand the
// provider an inference frame keyed by its own public key.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	count, seen, err := s.store.GetIPMessageCount(ip, s.httpRateWindow)
	if err != nil {
		log.HTTP.Error().Err(err).Msg("failed to check http rate limit")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if seen && count >= s.maxHTTPRequests {
		metrics.HTTPRequestsTotal.WithLabelValues("/v1/chat/completions", "429").Inc()
		http.Error(w, "rate limit exceeded, try again later", http.StatusTooManyRequests)
		return
	}
	if err := s.store.TouchIPMessage(ip, s.httpRateWindow); err != nil {
		log.HTTP.Warn().Err(err).Str("ip", ip).Msg("failed to record http rate-limit counter")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes+1))
	if err != nil || len(body) > maxChatBodyBytes {
		http.Error(w, "invalid or oversized request body", http.StatusBadRequest)
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	peer, err := s.store.GetRandom(req.SessionRequest.ModelName)
	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues("/v1/chat/completions", "no_provider").Inc()
		writeSSEError(w, flusher, "No peers available")
		return
	}

	conn, ok := s.registry.Route(peer.Key)
	if !ok {
		return // peer vanished between selection and dispatch; close silently.
	}

	resp := newSSEResponder(w)
	if err := s.registry.ParkResponder(peer.Key, resp); err != nil {
		log.HTTP.Warn().Str("peer_key", peer.Key).Err(err).Msg("provider already has a pending responder")
		return
	}

	s.registry.IndexToken(peer.Key, peer.Key)
	frame, err := dispatch.Encode(dispatch.KeyInference, dispatch.InferencePayload{
		Messages: req.Data.Messages,
		Key:      peer.Key,
	})
	if err != nil {
		s.registry.ReleaseResponder(peer.Key)
		return
	}
	if err := conn.Send(frame); err != nil {
		s.registry.ReleaseResponder(peer.Key)
		log.HTTP.Warn().Str("peer_key", peer.Key).Err(err).Msg("failed to dispatch inference frame")
		return
	}
	metrics.InferenceDispatchesTotal.Inc()
	metrics.HTTPRequestsTotal.WithLabelValues("/v1/chat/completions", "200").Inc()

	select {
	case <-r.Context().Done():
		s.registry.ReleaseResponder(peer.Key)
	case <-resp.done:
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	msg, _ := json.Marshal(map[string]string{"error": message})
	w.Write([]byte("data: "))
	w.Write(msg)
	w.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}
