package cache

import (
	"strconv"
	"strings"
	"time"
)

// CachePolicy is the subset of RFC 7234 Cache-Control semantics the
// response cache needs: whether a response is storable, for how long, and
// which request headers must match on reuse.
//
// No library in the example corpus implements HTTP cache-control parsing
// (it's a narrow, protocol-specific concern no general-purpose dependency
// covers) so this is hand-rolled against RFC 7234 directly.
type CachePolicy struct {
	NoStore       bool
	NoCache       bool
	Private       bool
	MaxAge        time.Duration
	HasMaxAge     bool
	MaxStale      time.Duration
	HasMaxStale   bool
	MustRevalidate bool
	Vary          []string
	StoredAt      time.Time
}

// ParseCacheControl parses a Cache-Control header value (request or
// response) into a CachePolicy. Unknown directives are ignored.
func ParseCacheControl(header string) CachePolicy {
	p := CachePolicy{}
	for _, raw := range strings.Split(header, ",") {
		directive := strings.TrimSpace(raw)
		if directive == "" {
			continue
		}
		name, value, _ := strings.Cut(directive, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch name {
		case "no-store":
			p.NoStore = true
		case "no-cache":
			p.NoCache = true
		case "private":
			p.Private = true
		case "must-revalidate":
			p.MustRevalidate = true
		case "max-age":
			if secs, err := strconv.Atoi(value); err == nil {
				p.MaxAge = time.Duration(secs) * time.Second
				p.HasMaxAge = true
			}
		case "max-stale":
			if value == "" {
				p.HasMaxStale = true // max-stale with no value: any staleness acceptable
				p.MaxStale = time.Duration(1<<63 - 1)
				continue
			}
			if secs, err := strconv.Atoi(value); err == nil {
				p.MaxStale = time.Duration(secs) * time.Second
				p.HasMaxStale = true
			}
		}
	}
	return p
}

// ParseVary splits a Vary header value into its constituent header names,
// lower-cased for case-insensitive comparison.
func ParseVary(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}

// Storable reports whether a response with this policy may be cached at
// all.
func (p CachePolicy) Storable() bool {
	if p.NoStore {
		return false
	}
	return p.HasMaxAge && p.MaxAge > 0
}

// Fresh reports whether a cached entry is still usable without
// revalidation, given how long ago it was stored.
func (p CachePolicy) Fresh(now time.Time) bool {
	if p.NoCache || p.MustRevalidate {
		return false
	}
	if !p.HasMaxAge {
		return false
	}
	age := now.Sub(p.StoredAt)
	if age <= p.MaxAge {
		return true
	}
	if p.HasMaxStale {
		return age <= p.MaxAge+p.MaxStale
	}
	return false
}
