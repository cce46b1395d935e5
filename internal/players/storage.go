package players

import "sync"

// Participant is one player's live state within a match. Score and Progress
// only ever move forward.
type Participant struct {
	ID        string // session key, stable across reconnects
	UserID    string // durable account reference, may be empty for guests
	Name      string
	Score     int
	Progress  int // index of the next unanswered question
	Connected bool
}

type Store struct {
	mu      sync.Mutex
	players map[string]*Participant
	order   []string // join order, for stable rosters
}

func NewStore() *Store {
	return &Store{
		players: make(map[string]*Participant),
	}
}

func (s *Store) Add(id, userID, name string) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, exists := s.players[id]; exists {
		p.Connected = true
		return p
	}
	p := &Participant{ID: id, UserID: userID, Name: name, Connected: true}
	s.players[id] = p
	s.order = append(s.order, id)
	return p
}

func (s *Store) Get(id string) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players[id]
}

// List returns participants in join order.
func (s *Store) List() []*Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Participant, 0, len(s.players))
	for _, id := range s.order {
		if p, exists := s.players[id]; exists {
			list = append(list, p)
		}
	}
	return list
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

func (s *Store) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.players {
		if p.Connected {
			n++
		}
	}
	return n
}

// Advance bumps score and progress after a correct answer. Returns nil for
// unknown participants.
func (s *Store) Advance(id string) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, exists := s.players[id]; exists {
		p.Score++
		p.Progress++
		return p
	}
	return nil
}

func (s *Store) SetConnected(id string, connected bool) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, exists := s.players[id]; exists {
		p.Connected = connected
		return p
	}
	return nil
}

func (s *Store) Remove(id string) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.players[id]
	if !exists {
		return nil
	}
	delete(s.players, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return p
}

func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.players[id]
	return exists
}

// ResetAll zeroes score and progress for a rematch.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		p.Score = 0
		p.Progress = 0
	}
}
