// Package services – ProfileFetcher
//
// This file implements the throttle in front of one-shot profile
// subscriptions. Every newly discovered peer triggers a TemporarySubscribe
// for its kind-0 metadata; bursts of new peers (or the same peer appearing
// under several accounts) must not flood the relay with REQs.
//
// Two limits apply:
//   - a global token bucket (golang.org/x/time/rate) bounding REQs per second
//   - a per-pubkey memory: a key fetched within the TTL is not fetched again
//
// Idle entries are evicted opportunistically during lookups to keep memory
// bounded. The fetcher is safe for concurrent use.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-nostrchat/internal/sysutil"
)

// fetchEntry records when a pubkey was last requested.
type fetchEntry struct {
	lastSeen time.Time
}

// ProfileFetcher issues throttled one-shot profile subscriptions.
type ProfileFetcher struct {
	Transport Transport
	Log       zerolog.Logger

	limiter *rate.Limiter
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	entries  map[string]*fetchEntry
	cleanupN uint64
}

// NewProfileFetcher constructs a fetcher allowing rps requests per second with
// the given burst, and suppressing repeat fetches of one pubkey within ttl.
//
//   - burst values <= 0 are coerced to 1
//   - ttl <= 0 disables the per-pubkey memory
func NewProfileFetcher(t Transport, rps float64, burst int, ttl time.Duration, log zerolog.Logger) *ProfileFetcher {
	if burst <= 0 {
		burst = 1
	}
	return &ProfileFetcher{
		Transport: t,
		Log:       log.With().Str("component", "profile_fetcher").Logger(),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		ttl:       ttl,
		now:       time.Now,
		entries:   make(map[string]*fetchEntry),
	}
}

// claim reports whether pubkey may be fetched now and records the attempt.
// GC runs before the lookup so a stale entry for pubkey is evicted first.
func (f *ProfileFetcher) claim(pubkey string) bool {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanupN++
	if f.cleanupN >= 5000 {
		for k, e := range f.entries {
			if now.Sub(e.lastSeen) >= f.ttl {
				delete(f.entries, k)
			}
		}
		f.cleanupN = 0
	}

	if f.ttl > 0 {
		if e, ok := f.entries[pubkey]; ok && now.Sub(e.lastSeen) < f.ttl {
			return false
		}
		f.entries[pubkey] = &fetchEntry{lastSeen: now}
	}
	return true
}

func (f *ProfileFetcher) release(pubkey string) {
	f.mu.Lock()
	delete(f.entries, pubkey)
	f.mu.Unlock()
}

// Fetch requests pubkey's profile unless throttled. It reports whether a
// request was sent. Transport errors are logged, never returned.
func (f *ProfileFetcher) Fetch(ctx context.Context, pubkey string) bool {
	if f == nil || f.Transport == nil {
		return false
	}
	if !f.claim(pubkey) {
		profileFetchTotal.WithLabelValues("throttled").Inc()
		return false
	}
	if !f.limiter.Allow() {
		f.release(pubkey)
		profileFetchTotal.WithLabelValues("throttled").Inc()
		f.Log.Debug().Str("pubkey", sysutil.ShortKey(pubkey)).Msg("profile fetch rate limited")
		return false
	}
	if err := f.Transport.TemporarySubscribe(ctx, pubkey); err != nil {
		f.release(pubkey)
		profileFetchTotal.WithLabelValues("error").Inc()
		f.Log.Warn().Err(err).Str("pubkey", sysutil.ShortKey(pubkey)).Msg("profile fetch failed")
		return false
	}
	profileFetchTotal.WithLabelValues("requested").Inc()
	return true
}
