package matches

import (
	"fmt"
	"sync"
	"time"

	"mathclash/internal/game"
	"mathclash/internal/players"
	"mathclash/internal/questions"
)

const staleTTL = 1 * time.Hour

type Config struct {
	Duration      time.Duration
	QuestionCount int
	MinPlayers    int
}

type Store struct {
	mu      sync.Mutex
	matches map[string]*Match
	cfg     Config
	onEvict func(*Match)
}

func NewStore(cfg Config) *Store {
	s := &Store{
		matches: make(map[string]*Match),
		cfg:     cfg,
	}
	go s.sweepStale()
	return s
}

// OnEvict registers a callback invoked after a match leaves the store,
// whether through Delete or the stale sweep. Callers use it to release
// per-match resources held elsewhere.
func (s *Store) OnEvict(fn func(*Match)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Create allocates a unique code and a fresh game with its own question
// list. Retries on code collision.
func (s *Store) Create(hostID, mode string, capacity int) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Try up to 10 times to generate a unique code
	for range 10 {
		code, err := GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("generating match code: %w", err)
		}
		if _, exists := s.matches[code]; exists {
			continue
		}

		g := game.New(players.NewStore(), questions.Generate(s.cfg.QuestionCount), game.Config{
			Duration:   s.cfg.Duration,
			MinPlayers: s.cfg.MinPlayers,
			MaxPlayers: capacity,
		})
		m := newMatch(code, mode, hostID, g)
		s.matches[code] = m
		return m, nil
	}
	return nil, fmt.Errorf("failed to generate unique match code after 10 attempts")
}

func (s *Store) Get(code string) *Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches[code]
}

// Delete removes the match and stops its event queue.
func (s *Store) Delete(code string) {
	s.mu.Lock()
	m, exists := s.matches[code]
	if exists {
		delete(s.matches, code)
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if exists {
		m.Close()
		if onEvict != nil {
			onEvict(m)
		}
	}
}

func (s *Store) List() []*Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Match, 0, len(s.matches))
	for _, m := range s.matches {
		list = append(list, m)
	}
	return list
}

func (s *Store) sweepStale() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		var stale []*Match
		s.mu.Lock()
		now := time.Now()
		for code, m := range s.matches {
			// Never sweep a running game out from under its players.
			if m.Game.State() == game.StateActive {
				continue
			}
			if now.Sub(m.CreatedAt) > staleTTL {
				delete(s.matches, code)
				stale = append(stale, m)
			}
		}
		onEvict := s.onEvict
		s.mu.Unlock()
		for _, m := range stale {
			m.Close()
			if onEvict != nil {
				onEvict(m)
			}
		}
	}
}
