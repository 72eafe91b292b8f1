package dispatch

import (
	"errors"
	"fmt"

	"github.com/symmetry-network/hub/internal/store"
)

// maxMatchAttempts bounds the "no peer found yet" retry loop (spec
// §4.5.1). It does not apply to a saturated provider — that case fails
// fast by design (spec §9, open question: preserved from source).
const maxMatchAttempts = 5

// ErrNoProvider means no online peer serves the requested model after
// maxMatchAttempts retries. The caller replies with silence — the
// requester is expected to retry requestProvider itself.
var ErrNoProvider = errors.New("no provider available for model")

// ErrProviderSaturated means a matching provider was found but is already
// at its connection cap. The hub does not retry in this case; the caller
// must send requestProvider again.
var ErrProviderSaturated = errors.New("selected provider is saturated")

// Matchmake implements spec §4.5.1: pick a uniformly random online peer
// serving modelName, reject it without retry if saturated, and mint a
// broker session bound to its discovery key.
func Matchmake(st *store.Store, modelName string) (peer *store.Peer, sessionToken string, err error) {
	for attempt := 0; attempt < maxMatchAttempts; attempt++ {
		p, err := st.GetRandom(modelName)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("matchmaking lookup: %w", err)
		}

		if p.Connections >= p.MaxConnections {
			return nil, "", ErrProviderSaturated
		}

		token, err := st.CreateSession(p.DiscoveryKey)
		if err != nil {
			return nil, "", fmt.Errorf("create broker session: %w", err)
		}
		return p, token, nil
	}
	return nil, "", ErrNoProvider
}
