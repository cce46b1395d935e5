package settle

import (
	"sync"
	"time"
)

// Registry holds per-match settlement flags with an expiry. The flag is the
// synchronization point for match finalization: whichever trigger path sets
// it first owns the settlement, every later caller sees it and backs off.
// Expired flags are swept lazily on access, so a burst of finished matches
// never leaves scheduled work behind.
type Registry struct {
	mu    sync.Mutex
	flags map[string]time.Time // code -> expiry
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		flags: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// TryBegin claims the settlement for a match. Returns true for exactly one
// caller until the flag is cleared or expires.
func (r *Registry) TryBegin(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	if expiry, exists := r.flags[code]; exists && now.Before(expiry) {
		return false
	}
	r.flags[code] = now.Add(r.ttl)
	return true
}

// Settled reports whether a live flag exists for the match.
func (r *Registry) Settled(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	expiry, exists := r.flags[code]
	return exists && now.Before(expiry)
}

// Clear removes the flag so a rematch can settle again.
func (r *Registry) Clear(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, code)
}

// Len reports the number of retained flags, live or not yet swept.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flags)
}

// sweep drops expired flags; caller holds the lock.
func (r *Registry) sweep(now time.Time) {
	for code, expiry := range r.flags {
		if !now.Before(expiry) {
			delete(r.flags, code)
		}
	}
}
