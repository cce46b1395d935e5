package matches

import (
	"sync"
	"time"

	"mathclash/internal/game"
)

// Match binds a live game to its code and its serialized event queue. All
// mutations of one match are funneled through Do, so handlers, timer ticks
// and grace-period callbacks never interleave mid-operation.
type Match struct {
	Code      string
	Mode      string
	Game      *game.Game
	CreatedAt time.Time
	HostID    string

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func newMatch(code, mode, hostID string, g *game.Game) *Match {
	m := &Match{
		Code:      code,
		Mode:      mode,
		Game:      g,
		CreatedAt: time.Now(),
		HostID:    hostID,
		ops:       make(chan func(), 64),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Match) run() {
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.done:
			return
		}
	}
}

// Do enqueues fn on the match's event queue. Calls after Close are dropped.
func (m *Match) Do(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.done:
	}
}

// DoWait runs fn on the event queue and blocks until it has executed.
// Returns false if the match is already closed.
func (m *Match) DoWait(fn func()) bool {
	ran := make(chan struct{})
	select {
	case m.ops <- func() {
		fn()
		close(ran)
	}:
	case <-m.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-m.done:
		return false
	}
}

// Close stops the event queue. Safe to call more than once.
func (m *Match) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// Closed reports whether the event queue has been stopped.
func (m *Match) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
