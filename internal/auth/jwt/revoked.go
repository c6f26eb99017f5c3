package jwt

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRevokedCapacity bounds the number of revoked token ids kept.
const DefaultRevokedCapacity = 100000

// RevokedTokens is the set of revoked token ids. Entries are dropped once
// the revoked token would have expired anyway.
type RevokedTokens struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	now   func() time.Time
}

// NewRevokedTokens creates an empty set holding at most capacity ids.
func NewRevokedTokens(capacity int) *RevokedTokens {
	if capacity <= 0 {
		capacity = DefaultRevokedCapacity
	}
	cache, _ := lru.New[string, time.Time](capacity) // only fails for size <= 0
	return &RevokedTokens{cache: cache, now: time.Now}
}

// Add revokes jti until expiresAt. A zero expiresAt never expires.
func (r *RevokedTokens) Add(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	if !expiresAt.IsZero() && !r.now().Before(expiresAt) {
		return
	}
	r.mu.Lock()
	r.cache.Add(jti, expiresAt)
	r.mu.Unlock()
}

// IsRevoked reports whether jti is revoked.
func (r *RevokedTokens) IsRevoked(jti string) bool {
	if r == nil || jti == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.cache.Get(jti)
	if !ok {
		return false
	}
	if !exp.IsZero() && !r.now().Before(exp) {
		r.cache.Remove(jti)
		return false
	}
	return true
}

// Len returns the number of tracked ids, including ones not yet purged.
func (r *RevokedTokens) Len() int {
	return r.cache.Len()
}
