package jwt

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TokenCache holds verified validation results keyed by token signature.
type TokenCache struct {
	lru *expirable.LRU[string, cachedResult]
	now func() time.Time
}

type cachedResult struct {
	result    Result
	expiresAt time.Time
}

// NewTokenCache creates a cache of at most size entries, each kept for at
// most ttl.
func NewTokenCache(size int, ttl time.Duration) *TokenCache {
	return &TokenCache{
		lru: expirable.NewLRU[string, cachedResult](size, nil, ttl),
		now: time.Now,
	}
}

// Get returns a copy of the cached result for the token, if still valid.
func (c *TokenCache) Get(token string) (*Result, bool) {
	key := signatureOf(token)
	if key == "" {
		return nil, false
	}
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	res := entry.result
	return &res, true
}

// Put caches res for the token until the token expires.
func (c *TokenCache) Put(token string, res *Result) {
	key := signatureOf(token)
	if key == "" || res == nil {
		return
	}
	c.lru.Add(key, cachedResult{result: *res, expiresAt: res.ExpiresAt})
}

// Remove drops the entry for the token.
func (c *TokenCache) Remove(token string) {
	if key := signatureOf(token); key != "" {
		c.lru.Remove(key)
	}
}

// Len returns the number of cached entries.
func (c *TokenCache) Len() int {
	return c.lru.Len()
}

// signatureOf returns the signature segment of a compact JWS.
func signatureOf(token string) string {
	i := strings.LastIndexByte(token, '.')
	if i < 0 || i == len(token)-1 {
		return ""
	}
	return token[i+1:]
}

// SignatureOf exposes the cache key used for token, for callers that key
// their own caches by token.
func SignatureOf(token string) string {
	return signatureOf(token)
}
