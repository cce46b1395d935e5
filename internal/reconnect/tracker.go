package reconnect

import (
	"log"
	"sync"
	"time"
)

type key struct {
	code   string
	player string
}

type entry struct {
	probe   *time.Timer
	removal *time.Timer
}

// Tracker holds one pending removal per disconnected (match, player) pair.
// Two delayed checks run per disconnect: an early probe that lets the
// caller settle a match its opponent has abandoned, and the removal itself
// at the end of the grace window. Cancel before either fires and nothing
// happens.
type Tracker struct {
	mu      sync.Mutex
	pending map[key]*entry

	probeAfter  time.Duration
	removeAfter time.Duration
}

func NewTracker(probeAfter, removeAfter time.Duration) *Tracker {
	return &Tracker{
		pending:     make(map[key]*entry),
		probeAfter:  probeAfter,
		removeAfter: removeAfter,
	}
}

// Schedule registers the grace-period tasks for a disconnected player.
// Scheduling again for the same pair resets the window.
func (t *Tracker) Schedule(code, player string, onProbe, onRemove func()) {
	k := key{code: code, player: player}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, exists := t.pending[k]; exists {
		old.probe.Stop()
		old.removal.Stop()
	}

	e := &entry{}
	e.probe = time.AfterFunc(t.probeAfter, func() {
		safeCall(code, onProbe)
	})
	e.removal = time.AfterFunc(t.removeAfter, func() {
		// Drop the entry before running the callback so a concurrent
		// Cancel observes that the removal already fired.
		t.mu.Lock()
		if t.pending[k] == e {
			delete(t.pending, k)
		}
		t.mu.Unlock()
		safeCall(code, onRemove)
	})
	t.pending[k] = e
}

// Cancel stops the pending tasks for a player, reporting whether there was
// anything left to cancel. Safe to call repeatedly and after firing.
func (t *Tracker) Cancel(code, player string) bool {
	k := key{code: code, player: player}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.pending[k]
	if !exists {
		return false
	}
	delete(t.pending, k)
	e.probe.Stop()
	// Stop returns false once the removal has started firing; the map
	// delete above already happened in that path too, so either way the
	// entry is gone.
	return e.removal.Stop()
}

// CancelAll drops every pending task for a match, e.g. when it is deleted.
func (t *Tracker) CancelAll(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.pending {
		if k.code != code {
			continue
		}
		e.probe.Stop()
		e.removal.Stop()
		delete(t.pending, k)
	}
}

// Pending reports whether a removal is still scheduled for the pair.
func (t *Tracker) Pending(code, player string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.pending[key{code: code, player: player}]
	return exists
}

func safeCall(code string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Reconnect] %s: callback panic: %v\n", code, r)
		}
	}()
	fn()
}
