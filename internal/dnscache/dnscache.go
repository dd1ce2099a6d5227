// Package dnscache memoizes net.LookupIP results behind a short TTL,
// the way slipstream-go's session manager memoizes live sessions
// (internal/server/session.go), repurposed here so repeated lookups of
// the same hostname within the TTL are answered from memory. The CLI
// resolves the -z/-q hostnames once, while parsing its configuration.
package dnscache

import (
	"net"
	"time"

	"github.com/patrickmn/go-cache"
)

// Resolver wraps net.LookupIP with a TTL cache keyed by hostname.
type Resolver struct {
	store *cache.Cache
}

// New returns a Resolver whose entries expire after ttl and are purged
// on a cleanup sweep twice as long, mirroring the teacher's 5m/10m
// session cache split.
func New(ttl time.Duration) *Resolver {
	return &Resolver{store: cache.New(ttl, ttl*2)}
}

// LookupIP returns the cached address list for host, falling back to
// net.LookupIP on a cache miss or expiry.
func (r *Resolver) LookupIP(host string) ([]net.IP, error) {
	if v, ok := r.store.Get(host); ok {
		return v.([]net.IP), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	r.store.Set(host, ips, cache.DefaultExpiration)
	return ips, nil
}
