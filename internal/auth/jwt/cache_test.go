package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenCache(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := NewTokenCache(10, time.Minute)
	c.now = func() time.Time { return now }

	c.Put("h.p.sig1", &Result{Issuer: "iss", ExpiresAt: now.Add(time.Hour)})
	c.Put("h.p.sig2", &Result{Issuer: "iss", ExpiresAt: now.Add(-time.Second)})
	c.Put("h.p.sig3", &Result{Issuer: "iss"})
	c.Put("nosignature", &Result{Issuer: "iss"})

	got, ok := c.Get("other.header.sig1")
	assert.True(t, ok, "keyed by signature only")
	assert.Equal(t, "iss", got.Issuer)

	got.Issuer = "mutated"
	again, _ := c.Get("h.p.sig1")
	assert.Equal(t, "iss", again.Issuer)

	_, ok = c.Get("h.p.sig2")
	assert.False(t, ok, "expired token is not served")

	_, ok = c.Get("h.p.sig3")
	assert.True(t, ok, "non-expiring token is bounded by ttl only")

	_, ok = c.Get("nosignature")
	assert.False(t, ok)

	c.Remove("h.p.sig1")
	_, ok = c.Get("h.p.sig1")
	assert.False(t, ok)
}

func TestSignatureOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "c", SignatureOf("a.b.c"))
	assert.Equal(t, "", SignatureOf("a.b."))
	assert.Equal(t, "", SignatureOf("abc"))
}

func TestRevokedTokens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := NewRevokedTokens(0)
	r.now = func() time.Time { return now }

	r.Add("live", now.Add(time.Hour))
	r.Add("forever", time.Time{})
	r.Add("already-expired", now.Add(-time.Second))
	r.Add("", now.Add(time.Hour))

	assert.True(t, r.IsRevoked("live"))
	assert.True(t, r.IsRevoked("forever"))
	assert.False(t, r.IsRevoked("already-expired"))
	assert.False(t, r.IsRevoked(""))
	assert.False(t, r.IsRevoked("unknown"))
	assert.Equal(t, 2, r.Len())

	now = now.Add(2 * time.Hour)
	assert.False(t, r.IsRevoked("live"))
	assert.True(t, r.IsRevoked("forever"))

	var nilSet *RevokedTokens
	assert.False(t, nilSet.IsRevoked("live"))
}
