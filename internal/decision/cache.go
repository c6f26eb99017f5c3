package decision

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache remembers which token and resource pairs already passed scope
// validation. Subscription state is never cached: it is read from the
// store on every request so discovery updates take effect immediately.
type Cache struct {
	lru *expirable.LRU[string, time.Time]
	now func() time.Time
}

// NewCache creates a cache of at most size entries living at most ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, time.Time](size, nil, ttl),
		now: time.Now,
	}
}

// CacheKey joins the parts identifying one authorized request.
func CacheKey(signature, apiContext, version, method, resource string) string {
	return strings.Join([]string{signature, apiContext, version, method, resource}, "|")
}

// Contains reports whether key is cached and its token has not expired.
func (c *Cache) Contains(key string) bool {
	if c == nil {
		return false
	}
	expiresAt, ok := c.lru.Get(key)
	if !ok {
		return false
	}
	if !expiresAt.IsZero() && !c.now().Before(expiresAt) {
		c.lru.Remove(key)
		return false
	}
	return true
}

// Put stores key until at most expiresAt. A zero expiresAt leaves only the
// cache ttl.
func (c *Cache) Put(key string, expiresAt time.Time) {
	if c == nil {
		return
	}
	if !expiresAt.IsZero() && !c.now().Before(expiresAt) {
		return
	}
	c.lru.Add(key, expiresAt)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c != nil {
		c.lru.Purge()
	}
}
