package server

import (
	"log"
	"time"

	"mathclash/internal/db"
	"mathclash/internal/matches"
	"mathclash/internal/rating"
	"mathclash/internal/wshub"
)

// participantResult is the immutable view of one participant taken at the
// moment settlement was claimed. The settle goroutine runs off the match
// queue and must never touch the live participant structs, so everything
// it needs is copied in here.
type participantResult struct {
	PlayerID  string
	UserID    string
	Name      string
	Score     int
	Progress  int
	Connected bool
}

type resolvedEntry struct {
	part participantResult
	user *db.UserRecord
}

// finalize is the single entry point for ending a match. It may be reached
// from the timer expiry, the last correct answer, or a permanent
// disconnect, and those can race. It MUST run on the match's event queue: the
// idempotency flag is claimed synchronously here, before any persistence
// work yields control, so exactly one trigger path owns the settlement.
func (s *Server) finalize(m *matches.Match) {
	if !s.Settlements.TryBegin(m.Code) {
		return
	}
	if !m.Game.MarkSettling() {
		// The game already left the active state; keep the flag so late
		// triggers still see the match as settled.
		return
	}

	snapshot := make([]participantResult, 0, m.Game.Players.Count())
	for _, p := range m.Game.Players.List() {
		snapshot = append(snapshot, participantResult{
			PlayerID:  p.ID,
			UserID:    p.UserID,
			Name:      p.Name,
			Score:     p.Score,
			Progress:  p.Progress,
			Connected: p.Connected,
		})
	}

	s.Timers.Stop(m.Code)

	// Persistence and fanout happen off the match queue; the flag above
	// already guards against a second settlement starting meanwhile.
	go s.settle(m, snapshot)
}

func (s *Server) settle(m *matches.Match, snapshot []participantResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Settle] %s: panic during settlement: %v\n", m.Code, r)
		}
		m.Game.MarkSettled()
	}()

	if s.DB == nil {
		log.Printf("[Settle] %s: no database, skipping ratings\n", m.Code)
		s.broadcastMatchOver(m.Code, snapshot)
		return
	}

	// Resolve durable identities. Failures are isolated per participant:
	// one bad lookup never blocks rating the rest.
	var rated []resolvedEntry
	for _, part := range snapshot {
		user := s.resolveIdentity(part)
		if user == nil {
			continue
		}
		rated = append(rated, resolvedEntry{part: part, user: user})
	}

	if len(rated) >= 2 {
		standings := make([]rating.Standing, len(rated))
		for i, r := range rated {
			standings[i] = rating.Standing{Rating: r.user.Rating, Score: r.part.Score}
		}
		updated := rating.Update(standings, s.Cfg.KFactor, s.Cfg.RatingFloor)

		ratings := make([]wshub.RatingInfo, 0, len(rated))
		for i, r := range rated {
			if err := s.DB.UpdateRating(r.user.ID, updated[i]); err != nil {
				log.Printf("[Settle] %s: persisting rating for %s: %v\n", m.Code, r.user.ID, err)
				continue
			}
			ratings = append(ratings, wshub.RatingInfo{
				Name:   r.part.Name,
				Rating: updated[i],
				Delta:  updated[i] - r.user.Rating,
			})
		}

		s.Hub.BroadcastTo(snapshotPlayerIDs(snapshot), wshub.ServerMessage{
			Type:      "rating",
			MatchCode: m.Code,
			Ratings:   ratings,
		})

		s.recordHistory(m, rated, updated)
	} else {
		log.Printf("[Settle] %s: fewer than two resolvable identities, no ratings\n", m.Code)
	}

	s.broadcastMatchOver(m.Code, snapshot)

	// The refreshed ranking goes to every connected client, rated match
	// or not.
	top, err := s.DB.TopUsers(s.Cfg.LeaderboardSize)
	if err != nil {
		log.Printf("[Settle] %s: loading leaderboard: %v\n", m.Code, err)
		return
	}
	entries := make([]wshub.LeaderboardEntry, 0, len(top))
	for _, u := range top {
		entries = append(entries, wshub.LeaderboardEntry{Name: u.Name, Rating: u.Rating})
	}
	s.Hub.BroadcastAll(wshub.ServerMessage{Type: "leaderboard", Top: entries})
}

// resolveIdentity maps a participant to a durable user row. The stored
// user reference is authoritative; the display-name lookup is legacy
// fallback behavior and resolves ambiguous names to nobody.
func (s *Server) resolveIdentity(part participantResult) *db.UserRecord {
	if part.UserID != "" {
		user, err := s.DB.GetUser(part.UserID)
		if err == nil {
			return user
		}
		log.Printf("[Settle] resolving user %s: %v\n", part.UserID, err)
	}
	user, err := s.DB.GetUserByName(part.Name)
	if err != nil {
		log.Printf("[Settle] resolving name %q: %v\n", part.Name, err)
		return nil
	}
	return user
}

func (s *Server) recordHistory(m *matches.Match, rated []resolvedEntry, updated []int) {
	durationMs := int(m.Game.Config.Duration / time.Millisecond)
	matchID, err := s.DB.CreateMatch(m.Code, m.Mode, durationMs)
	if err != nil {
		log.Printf("[Settle] %s: recording match: %v\n", m.Code, err)
		return
	}
	for i, r := range rated {
		if err := s.DB.AddMatchPlayer(matchID, r.user.ID, r.part.Score, r.user.Rating, updated[i]); err != nil {
			log.Printf("[Settle] %s: recording player %s: %v\n", m.Code, r.user.ID, err)
		}
	}
	if err := s.DB.EndMatch(matchID); err != nil {
		log.Printf("[Settle] %s: closing match record: %v\n", m.Code, err)
	}
}

// broadcastMatchOver fans out the final standings from the settlement
// snapshot, never from the live roster the match queue is still mutating.
func (s *Server) broadcastMatchOver(code string, snapshot []participantResult) {
	roster := make([]wshub.PlayerInfo, 0, len(snapshot))
	for _, p := range snapshot {
		roster = append(roster, wshub.PlayerInfo{
			ID:        p.PlayerID,
			Name:      p.Name,
			Score:     p.Score,
			Progress:  p.Progress,
			Connected: p.Connected,
		})
	}
	s.Hub.BroadcastTo(snapshotPlayerIDs(snapshot), wshub.ServerMessage{
		Type:      "matchOver",
		MatchCode: code,
		Roster:    roster,
	})
}

func snapshotPlayerIDs(snapshot []participantResult) []string {
	ids := make([]string, 0, len(snapshot))
	for _, p := range snapshot {
		ids = append(ids, p.PlayerID)
	}
	return ids
}
