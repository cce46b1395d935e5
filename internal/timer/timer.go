package timer

import (
	"log"
	"math"
	"sync"
	"time"
)

// Coordinator runs at most one countdown per match code. Remaining time is
// always recomputed from the anchor timestamp, never decremented, so a slow
// tick cannot drift the clock.
type Coordinator struct {
	mu      sync.Mutex
	running map[string]*countdown
	tick    time.Duration
}

type countdown struct {
	stop chan struct{}
	once sync.Once
}

// finish closes the countdown exactly once. Returns true for the caller
// that actually closed it.
func (cd *countdown) finish() bool {
	won := false
	cd.once.Do(func() {
		close(cd.stop)
		won = true
	})
	return won
}

func NewCoordinator(tick time.Duration) *Coordinator {
	if tick <= 0 {
		tick = time.Second
	}
	return &Coordinator{
		running: make(map[string]*countdown),
		tick:    tick,
	}
}

// Start launches the countdown for a match. A second Start for the same
// code while one is running is a no-op and returns false, so duplicate
// start requests can never race two competing timers.
func (c *Coordinator) Start(code string, anchor time.Time, duration time.Duration, onTick func(remaining int), onExpire func()) bool {
	c.mu.Lock()
	if _, exists := c.running[code]; exists {
		c.mu.Unlock()
		return false
	}
	cd := &countdown{stop: make(chan struct{})}
	c.running[code] = cd
	c.mu.Unlock()

	go c.run(code, cd, anchor, duration, onTick, onExpire)
	return true
}

func (c *Coordinator) run(code string, cd *countdown, anchor time.Time, duration time.Duration, onTick func(int), onExpire func()) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	safeCall(code, func() { onTick(remainingSeconds(anchor, duration, time.Now())) })

	for {
		select {
		case <-cd.stop:
			return
		case now := <-ticker.C:
			// Terminal check uses the raw remaining duration; clients only
			// ever see zero on the terminal tick.
			if !now.Before(anchor.Add(duration)) {
				safeCall(code, func() { onTick(0) })
				c.release(code, cd)
				if cd.finish() {
					safeCall(code, onExpire)
				}
				return
			}
			remaining := remainingSeconds(anchor, duration, now)
			safeCall(code, func() { onTick(remaining) })
		}
	}
}

// Stop cancels the countdown for a match if one is running. Safe to call
// repeatedly or after the countdown has already expired; a stopped
// countdown never fires its expiry callback.
func (c *Coordinator) Stop(code string) {
	c.mu.Lock()
	cd := c.running[code]
	delete(c.running, code)
	c.mu.Unlock()

	if cd != nil {
		cd.finish()
	}
}

// Running reports whether a countdown is active for the match.
func (c *Coordinator) Running(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.running[code]
	return exists
}

func (c *Coordinator) release(code string, cd *countdown) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[code] == cd {
		delete(c.running, code)
	}
}

func remainingSeconds(anchor time.Time, duration time.Duration, now time.Time) int {
	left := duration - now.Sub(anchor)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// safeCall keeps a panicking callback from killing the tick loop.
func safeCall(code string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Timer] %s: callback panic: %v\n", code, r)
		}
	}()
	fn()
}
