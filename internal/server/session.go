package server

import (
	"errors"
	"log"
	"time"

	"mathclash/internal/auth"
	"mathclash/internal/game"
	"mathclash/internal/matches"
	"mathclash/internal/players"
	"mathclash/internal/questions"
	"mathclash/internal/wshub"
)

const (
	ModeDuel = "duel"
	ModeFFA  = "ffa"
)

// dispatch routes one inbound client event. Match-scoped events run on the
// match's serialized queue, so no two operations on one match interleave.
func (s *Server) dispatch(ident auth.Identity, msg wshub.ClientMessage) {
	switch msg.Type {
	case "createMatch":
		s.createMatch(ident, msg.Mode)
	case "joinMatch":
		s.joinMatch(ident, msg.Code)
	case "startMatch":
		s.startMatch(ident)
	case "submitAnswer":
		if msg.Answer == nil {
			s.sendError(ident.ID, game.ErrInvalidState)
			return
		}
		s.submitAnswer(ident, *msg.Answer)
	case "rejoinMatch":
		s.rejoinMatch(ident, msg.Code)
	case "rematchVote":
		s.rematchVote(ident)
	default:
		log.Printf("[Session] %s: unknown event %q\n", ident.ID, msg.Type)
	}
}

func (s *Server) createMatch(ident auth.Identity, mode string) {
	capacity := s.Cfg.DuelCapacity
	if mode == ModeFFA {
		capacity = s.Cfg.FFACapacity
	} else {
		mode = ModeDuel
	}

	m, err := s.Matches.Create(ident.ID, mode, capacity)
	if err != nil {
		log.Printf("[Session] create match: %v\n", err)
		s.sendError(ident.ID, err)
		return
	}

	m.Do(func() {
		roster, err := m.Game.Join(ident.ID, ident.ID, ident.Name)
		if err != nil {
			s.sendError(ident.ID, err)
			return
		}
		s.setSession(ident.ID, m.Code)
		s.Hub.Send(ident.ID, wshub.ServerMessage{
			Type:      "created",
			MatchCode: m.Code,
			Mode:      m.Mode,
			Roster:    rosterInfo(roster),
		})
	})
}

func (s *Server) joinMatch(ident auth.Identity, code string) {
	m := s.Matches.Get(code)
	if m == nil {
		s.sendError(ident.ID, game.ErrNotFound)
		return
	}

	m.Do(func() {
		roster, err := m.Game.Join(ident.ID, ident.ID, ident.Name)
		if err != nil {
			s.sendError(ident.ID, err)
			return
		}
		s.setSession(ident.ID, m.Code)
		s.Hub.BroadcastTo(playerIDs(roster), wshub.ServerMessage{
			Type:      "roster",
			MatchCode: m.Code,
			Mode:      m.Mode,
			Roster:    rosterInfo(roster),
		})
	})
}

func (s *Server) startMatch(ident auth.Identity) {
	m := s.currentMatch(ident.ID)
	if m == nil {
		// Caller already left; nothing to report to.
		return
	}
	m.Do(func() {
		s.doStart(m, ident.ID)
	})
}

// doStart anchors the countdown and fans out the question list. Runs on the
// match queue. Duplicate starts fall out here as silent no-ops.
func (s *Server) doStart(m *matches.Match, requesterID string) {
	started, err := m.Game.Start(time.Now())
	if err != nil {
		s.sendError(requesterID, err)
		return
	}
	if !started {
		return
	}

	duration := m.Game.Config.Duration
	s.Hub.BroadcastTo(matchPlayerIDs(m), wshub.ServerMessage{
		Type:      "started",
		MatchCode: m.Code,
		Mode:      m.Mode,
		Questions: m.Game.QuestionTexts(),
		Started:   true,
		Duration:  int(duration / time.Second),
	})

	s.Timers.Start(m.Code, m.Game.StartedAt(), duration,
		func(remaining int) {
			r := remaining
			s.Hub.BroadcastTo(matchPlayerIDs(m), wshub.ServerMessage{
				Type:      "tick",
				MatchCode: m.Code,
				Remaining: &r,
			})
		},
		func() {
			m.Do(func() { s.finalize(m) })
		},
	)
}

func (s *Server) submitAnswer(ident auth.Identity, answer int) {
	m := s.currentMatch(ident.ID)
	if m == nil {
		s.sendError(ident.ID, game.ErrNotFound)
		return
	}

	m.Do(func() {
		res, err := m.Game.SubmitAnswer(ident.ID, answer)
		if err != nil {
			s.sendError(ident.ID, err)
			return
		}

		// The submitter always gets direct feedback.
		s.Hub.Send(ident.ID, wshub.ServerMessage{
			Type:      "answer",
			MatchCode: m.Code,
			Answer: &wshub.AnswerResult{
				Correct:  res.Correct,
				Score:    res.Score,
				Progress: res.Progress,
				Next:     res.Next,
				Done:     res.Done,
			},
		})

		// Everyone else hears about it only when state actually advanced.
		if !res.Correct {
			return
		}
		s.Hub.BroadcastTo(matchPlayerIDs(m), wshub.ServerMessage{
			Type:      "progress",
			MatchCode: m.Code,
			Roster:    rosterInfo(m.Game.Players.List()),
		})

		if m.Game.AllFinished() {
			s.finalize(m)
		}
	})
}

func (s *Server) rejoinMatch(ident auth.Identity, code string) {
	m := s.Matches.Get(code)
	if m == nil {
		s.sendError(ident.ID, game.ErrNotFound)
		return
	}

	m.Do(func() {
		// If the grace removal already fired the slot is gone and the
		// rejoin is rejected like any unknown match.
		if !m.Game.Players.Has(ident.ID) {
			s.sendError(ident.ID, game.ErrNotFound)
			return
		}
		s.Grace.Cancel(m.Code, ident.ID)
		m.Game.Players.SetConnected(ident.ID, true)
		s.setSession(ident.ID, m.Code)

		snap := m.Game.Snapshot(ident.ID, time.Now())
		r := snap.Remaining
		s.Hub.Send(ident.ID, wshub.ServerMessage{
			Type:      "snapshot",
			MatchCode: m.Code,
			Mode:      m.Mode,
			Roster:    rosterInfo(snap.Roster),
			Questions: snap.Questions,
			Started:   snap.Started,
			Remaining: &r,
		})
		s.Hub.BroadcastTo(playerIDs(snap.Roster), wshub.ServerMessage{
			Type:      "roster",
			MatchCode: m.Code,
			Roster:    rosterInfo(snap.Roster),
		})
	})
}

func (s *Server) rematchVote(ident auth.Identity) {
	m := s.currentMatch(ident.ID)
	if m == nil {
		s.sendError(ident.ID, game.ErrNotFound)
		return
	}

	m.Do(func() {
		votes, needed, all, err := m.Game.VoteRematch(ident.ID)
		if err != nil {
			s.sendError(ident.ID, err)
			return
		}
		if !all {
			s.Hub.BroadcastTo(matchPlayerIDs(m), wshub.ServerMessage{
				Type:      "rematch",
				MatchCode: m.Code,
				Name:      ident.Name,
				Votes:     votes,
				Needed:    needed,
			})
			return
		}

		// Everyone agreed: new questions, fresh settlement, new countdown.
		s.Settlements.Clear(m.Code)
		m.Game.Reset(questions.Generate(s.Cfg.QuestionCount))
		s.doStart(m, ident.ID)
	})
}

// handleDisconnect runs when a connection drops for any reason. The slot is
// preserved for the grace window; only the removal task takes it away.
func (s *Server) handleDisconnect(ident auth.Identity) {
	// A reconnecting client registers its new socket before the old
	// socket's read loop notices. The hub keeps only the current
	// connection, so if the player is still connected this teardown
	// belongs to a replaced socket and is not a departure.
	if s.Hub.Connected(ident.ID) {
		return
	}

	code := s.sessionCode(ident.ID)
	if code == "" {
		return
	}
	m := s.Matches.Get(code)
	if m == nil {
		s.clearSession(ident.ID)
		return
	}

	m.Do(func() {
		p := m.Game.Players.SetConnected(ident.ID, false)
		if p == nil {
			return
		}
		s.Hub.BroadcastTo(matchPlayerIDsExcept(m, ident.ID), wshub.ServerMessage{
			Type:      "playerLeft",
			MatchCode: m.Code,
			Name:      ident.Name,
			Temporary: true,
		})
		s.Grace.Schedule(m.Code, ident.ID,
			func() {
				m.Do(func() { s.probeAbandoned(m) })
			},
			func() {
				m.Do(func() { s.removeParticipant(m, ident) })
			},
		)
	})
}

// probeAbandoned fires partway through the grace window: a started match
// left with fewer than the minimum connected players settles right away so
// the remaining player is not stuck waiting out the full window.
func (s *Server) probeAbandoned(m *matches.Match) {
	if m.Game.State() != game.StateActive {
		return
	}
	if m.Game.Players.ConnectedCount() >= m.Game.Config.MinPlayers {
		return
	}
	if s.Settlements.Settled(m.Code) {
		return
	}
	log.Printf("[Session] %s: match abandoned, settling early\n", m.Code)
	s.finalize(m)
}

// removeParticipant fires at the end of the grace window.
func (s *Server) removeParticipant(m *matches.Match, ident auth.Identity) {
	p := m.Game.Players.Remove(ident.ID)
	if p == nil {
		return
	}
	s.clearSession(ident.ID)

	remaining := m.Game.Players.List()
	if len(remaining) == 0 {
		log.Printf("[Session] %s: last participant left, deleting match\n", m.Code)
		// Eviction releases the timer, grace entries and sessions.
		s.Matches.Delete(m.Code)
		return
	}

	s.Hub.BroadcastTo(playerIDs(remaining), wshub.ServerMessage{
		Type:      "playerLeft",
		MatchCode: m.Code,
		Name:      ident.Name,
		Temporary: false,
	})
	s.Hub.BroadcastTo(playerIDs(remaining), wshub.ServerMessage{
		Type:      "roster",
		MatchCode: m.Code,
		Roster:    rosterInfo(remaining),
	})

	// An active game that just lost its opponent for good settles now.
	if m.Game.State() == game.StateActive {
		s.finalize(m)
	}
}

func (s *Server) sendError(playerID string, err error) {
	s.Hub.Send(playerID, wshub.ServerMessage{
		Type:    "error",
		ErrCode: errCodeFor(err),
		Msg:     err.Error(),
	})
}

func errCodeFor(err error) string {
	switch {
	case errors.Is(err, game.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, game.ErrFull):
		return "FULL"
	case errors.Is(err, game.ErrInvalidState):
		return "INVALID_STATE"
	default:
		return "INTERNAL"
	}
}

func (s *Server) currentMatch(playerID string) *matches.Match {
	code := s.sessionCode(playerID)
	if code == "" {
		return nil
	}
	return s.Matches.Get(code)
}

func rosterInfo(roster []*players.Participant) []wshub.PlayerInfo {
	info := make([]wshub.PlayerInfo, 0, len(roster))
	for _, p := range roster {
		info = append(info, wshub.PlayerInfo{
			ID:        p.ID,
			Name:      p.Name,
			Score:     p.Score,
			Progress:  p.Progress,
			Connected: p.Connected,
		})
	}
	return info
}

func playerIDs(roster []*players.Participant) []string {
	ids := make([]string, 0, len(roster))
	for _, p := range roster {
		ids = append(ids, p.ID)
	}
	return ids
}

func matchPlayerIDs(m *matches.Match) []string {
	return playerIDs(m.Game.Players.List())
}

func matchPlayerIDsExcept(m *matches.Match, exclude string) []string {
	ids := matchPlayerIDs(m)
	out := ids[:0]
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
