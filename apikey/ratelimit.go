package apikey

import (
	"sync"
	"time"
)

// rateWindow is a sliding-window counter per key. Unlike a token bucket, the
// limit is a hard cap on requests observed within the trailing window, which
// is the contract callers of the key scheme expect: the N+1th request inside
// the window fails, and capacity returns only as old requests age out.
type rateWindow struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	seen      map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newRateWindow(limit int, window time.Duration) *rateWindow {
	return &rateWindow{
		limit:  limit,
		window: window,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a request for the key and reports whether it is within the
// limit. Entries older than the window are pruned on each call, and once per
// window the whole map is swept so keys that stop arriving do not pin their
// buckets forever.
func (rw *rateWindow) Allow(key string) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	now := rw.now()
	cutoff := now.Add(-rw.window)
	rw.sweep(now, cutoff)

	stamps := rw.seen[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= rw.limit {
		rw.seen[key] = kept
		return false
	}

	rw.seen[key] = append(kept, now)
	return true
}

// sweep drops buckets whose every timestamp has aged out. It runs at most
// once per window so Allow stays O(1) amortised over the key population.
func (rw *rateWindow) sweep(now, cutoff time.Time) {
	if now.Sub(rw.lastSweep) < rw.window {
		return
	}
	rw.lastSweep = now
	for key, stamps := range rw.seen {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(rw.seen, key)
		}
	}
}
