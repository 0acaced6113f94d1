package token

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterEntryTTL = 10 * time.Minute

// issueLimiter throttles code issuance per (email, purpose) so an attacker
// cannot flood a mailbox or continuously rotate a victim's live code.
type issueLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	burst   int
	every   time.Duration
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIssueLimiter(burst int, every time.Duration) *issueLimiter {
	if burst <= 0 {
		burst = 1
	}
	if every <= 0 {
		every = time.Second
	}
	return &issueLimiter{
		buckets: make(map[string]*limiterEntry),
		burst:   burst,
		every:   every,
	}
}

func (l *issueLimiter) allow(email string, purpose Purpose, now time.Time) bool {
	key := string(purpose) + ":" + email

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	entry, ok := l.buckets[key]
	if !ok {
		entry = &limiterEntry{lim: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.buckets[key] = entry
	}
	entry.seen = now
	return entry.lim.AllowN(now, 1)
}

// prune drops buckets idle longer than their codes could live. Runs under mu.
func (l *issueLimiter) prune(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	for key, entry := range l.buckets {
		if now.Sub(entry.seen) > limiterEntryTTL {
			delete(l.buckets, key)
		}
	}
}
