// Package silence tracks per-key alert suppression with optional
// exponential backoff of the realert window.
package silence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/util"
)

type entry struct {
	until    time.Time
	exponent int
}

// Silencer answers "is this key silenced" from an in-memory cache backed by
// the writeback store, so silences survive restarts. Keys are
// "<realert_key>[.<query_key_value>]" or "<rule_name>._silence" for whole
// rules.
type Silencer struct {
	mu    sync.Mutex
	cache map[string]entry
	store SilenceStore
	// Debug suppresses the store lookup on cache miss; silences are then
	// purely in-memory.
	Debug bool
	// Now is stubbed in tests.
	Now func() time.Time
}

// SilenceStore is the durable half of the cache.
type SilenceStore interface {
	GetSilence(ctx context.Context, key string) (until time.Time, exponent int, found bool, err error)
	SetSilence(ctx context.Context, key string, until time.Time, exponent int) error
}

func NewSilencer(store SilenceStore) *Silencer {
	return &Silencer{
		cache: make(map[string]entry),
		store: store,
		Now:   util.Now,
	}
}

// IsSilenced reports whether key is silenced right now. A cache miss or an
// expired cached entry falls through to the store, so a silence installed
// by another process takes effect without waiting for a restart. Whatever
// the store holds is cached, expired entries included, so the realert
// exponent survives the round trip.
func (s *Silencer) IsSilenced(ctx context.Context, key string) bool {
	now := s.Now()
	s.mu.Lock()
	if e, ok := s.cache[key]; ok {
		if now.Before(e.until) {
			s.mu.Unlock()
			return true
		}
		if !s.Debug {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
	if s.Debug {
		return false
	}
	until, exponent, found, err := s.store.GetSilence(ctx, key)
	if err != nil {
		log.Printf("[silence] lookup failed for %s: %v", key, err)
		return false
	}
	if !found {
		return false
	}
	s.mu.Lock()
	s.cache[key] = entry{until: until, exponent: exponent}
	s.mu.Unlock()
	return now.Before(until)
}

// SetRealert silences key until the given time and persists the entry.
func (s *Silencer) SetRealert(ctx context.Context, key string, until time.Time, exponent int) error {
	s.mu.Lock()
	s.cache[key] = entry{until: until, exponent: exponent}
	s.mu.Unlock()
	return s.store.SetSilence(ctx, key, until, exponent)
}

// NextAlertTime computes when key may alert again and the new exponent.
// Without exponential_realert the answer is a flat now + realert. With it,
// alerting again before the previous window fully decayed doubles the wait;
// quiet stretches walk the exponent back down. The wait is capped at
// exponential_realert, and hitting the cap steps the exponent back so the
// next computation is not stuck at the ceiling.
func (s *Silencer) NextAlertTime(r *models.Rule, key string, now time.Time) (time.Time, int) {
	s.mu.Lock()
	e, cached := s.cache[key]
	s.mu.Unlock()
	if !cached || r.ExponentialRealert <= 0 {
		return now.Add(r.Realert), 0
	}
	realert := r.Realert.Seconds()
	exponent := e.exponent
	diff := now.Sub(e.until).Seconds()
	if diff < realert*pow2(exponent) {
		exponent++
	} else {
		for diff > realert*pow2(exponent) && exponent > 0 {
			diff -= realert * pow2(exponent)
			exponent--
		}
	}
	wait := time.Duration(realert*pow2(exponent)) * time.Second
	if wait >= r.ExponentialRealert {
		return now.Add(r.ExponentialRealert), exponent - 1
	}
	return now.Add(wait), exponent
}

// Cleanup drops expired entries from the cache. Called from the periodic
// memory GC.
func (s *Silencer) Cleanup() {
	now := s.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.cache {
		if !e.until.After(now) {
			delete(s.cache, k)
		}
	}
}

// CacheSize reports the number of live cache entries.
func (s *Silencer) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}
