// Package dispatch implements the peer-session state machine (spec §4.5):
// join, challenge, matchmaking, session verification, inference relay,
// metrics, and the health protocol.
package dispatch

import "encoding/json"

// Frame keys, peer→hub and hub→peer (spec §4.5 frame table).
const (
	KeyJoin              = "join"
	KeyJoinAck           = "joinAck"
	KeyChallenge         = "challenge"
	KeyConnectionSize    = "conectionSize" // sic — matches the wire protocol's spelling.
	KeyRequestProvider   = "requestProvider"
	KeyProviderDetails   = "providerDetails"
	KeyVerifySession     = "verifySession"
	KeySessionValid      = "sessionValid"
	KeyInference         = "inference"
	KeySendMetrics       = "sendMetrics"
	KeyHealthCheck       = "healthCheck"
	KeyHealthCheckFailed = "healthCheckFailed"
	KeyInferenceEnded    = "inferenceEnded"
	KeyVersionMismatch   = "versionMismatch"
)

// Frame is the wire envelope every peer-transport message uses (spec §6,
// "Peer wire protocol"): {"key": <string>, "data": <any>}.
type Frame struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a Frame to its wire JSON form.
func Encode(key string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Key: key, Data: raw})
}

// Decode parses a wire frame. Unknown keys are not rejected here — the
// dispatcher decides whether to ignore them (spec §6: "Unknown keys are
// ignored").
func Decode(raw []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(raw, &f)
	return f, err
}

// DataAs unmarshals a frame's data payload into v.
func (f Frame) DataAs(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// IsKnownKey reports whether key is one of the documented frame keys.
// Provider inference output is itself often valid JSON (an Ollama- or
// OpenAI-shaped chunk) without ever being a wire frame, so relay-vs-frame
// dispatch must key off this rather than off whether the bytes merely
// parse as JSON.
func IsKnownKey(key string) bool {
	switch key {
	case KeyJoin, KeyJoinAck, KeyChallenge, KeyConnectionSize, KeyRequestProvider,
		KeyProviderDetails, KeyVerifySession, KeySessionValid, KeyInference,
		KeySendMetrics, KeyHealthCheck, KeyHealthCheckFailed, KeyInferenceEnded,
		KeyVersionMismatch:
		return true
	default:
		return false
	}
}

// JoinPayload is the provider self-description sent with a join frame.
type JoinPayload struct {
	DiscoveryKey        string `json:"discoveryKey"`
	ModelName           string `json:"modelName"`
	MaxConnections      int    `json:"maxConnections"`
	APIProvider         string `json:"apiProvider,omitempty"`
	Name                string `json:"name,omitempty"`
	Website             string `json:"website,omitempty"`
	Public              bool   `json:"public,omitempty"`
	DataCollection      bool   `json:"dataCollectionEnabled,omitempty"`
	SymmetryCoreVersion string `json:"symmetryCoreVersion"`
}

// JoinAckPayload acknowledges a successful join.
type JoinAckPayload struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// VersionMismatchPayload accompanies a versionMismatch reply.
type VersionMismatchPayload struct {
	MinVersion string `json:"minVersion"`
}

// ChallengePayload carries the random challenge bytes (peer→hub) or the
// hub's signature over them (hub→peer), base64-encoded by the JSON codec
// since both are []byte.
type ChallengePayload struct {
	Challenge []byte `json:"challenge,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// ConnectionSizePayload reports a provider's current fan-out.
type ConnectionSizePayload struct {
	Connections int `json:"connections"`
}

// RequestProviderPayload asks the hub to match a model to a provider.
type RequestProviderPayload struct {
	ModelName           string `json:"modelName"`
	PreferredProviderID string `json:"preferredProviderId,omitempty"`
}

// ProviderDetailsPayload replies to requestProvider with a broker session.
type ProviderDetailsPayload struct {
	ProviderID   string `json:"providerId"`
	SessionToken string `json:"sessionToken"`
}

// SessionValidPayload replies to verifySession on success.
type SessionValidPayload struct {
	DiscoveryKey string `json:"discoveryKey"`
	ModelName    string `json:"modelName"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
}

// InferencePayload carries a chat request and the token used to route the
// provider's streamed response back to the right responder.
type InferencePayload struct {
	Messages json.RawMessage `json:"messages"`
	Key      string          `json:"key"`
}

// HealthCheckPayload carries the outstanding health-check request id.
type HealthCheckPayload struct {
	RequestID string `json:"requestId"`
}
