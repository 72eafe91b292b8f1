package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// perPeerLimit and perPeerWindow implement spec §4.5.3: 500 messages per
// peer per 60-second window via an in-process LRU with a 60s TTL. A
// peer's counter entry expires with the window and a fresh one starts at
// zero on the next message — this is a fixed window, not a sliding one.
const (
	perPeerLimit  = 500
	perPeerWindow = 60 * time.Second

	maxTrackedPeers = 10_000
)

// RateLimiter caps message throughput per peer key.
type RateLimiter struct {
	cache *expirable.LRU[string, *int64]
	limit int64
}

// NewRateLimiter builds the per-peer limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		cache: expirable.NewLRU[string, *int64](maxTrackedPeers, nil, perPeerWindow),
		limit: perPeerLimit,
	}
}

// Allow reports whether peerKey's message should be processed. Excess
// frames within the window are dropped silently by the caller (logged at
// warn), never errored back to the peer.
func (r *RateLimiter) Allow(peerKey string) bool {
	v, ok := r.cache.Get(peerKey)
	if !ok {
		n := new(int64)
		*n = 1
		r.cache.Add(peerKey, n)
		return true
	}
	return atomic.AddInt64(v, 1) <= r.limit
}
