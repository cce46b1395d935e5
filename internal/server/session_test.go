package server

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"mathclash/internal/auth"
	"mathclash/internal/config"
	"mathclash/internal/game"
	"mathclash/internal/matches"
	"mathclash/internal/reconnect"
	"mathclash/internal/timer"
	"mathclash/internal/wshub"
)

func testConfig() config.Config {
	return config.Config{
		Port:            "0",
		MatchDuration:   60,
		QuestionCount:   3,
		MinPlayers:      2,
		DuelCapacity:    2,
		FFACapacity:     4,
		GraceWindow:     1,
		AbandonCheck:    1,
		SettlementTTL:   300,
		KFactor:         32,
		RatingFloor:     100,
		DefaultRating:   1200,
		LeaderboardSize: 10,
	}
}

func newTestServer() *Server {
	signer := auth.NewSignerWithKey([]byte("0123456789abcdef0123456789abcdef"))
	s := New(testConfig(), nil, signer)
	// Compressed grace windows so disconnect tests finish quickly
	s.Grace = reconnect.NewTracker(150*time.Millisecond, 300*time.Millisecond)
	return s
}

// connect registers a hub client without a real socket; tests read the Send
// channel directly instead of running a write pump.
func connect(s *Server, id, name string) (auth.Identity, *wshub.Client) {
	c := &wshub.Client{
		PlayerID: id,
		Name:     name,
		Send:     make(chan []byte, 64),
	}
	s.Hub.Register(c)
	return auth.Identity{ID: id, Name: name}, c
}

// waitFor reads from the client until a message of the wanted type arrives,
// discarding everything else (ticks, rosters) along the way.
func waitFor(t *testing.T, c *wshub.Client, msgType string) wshub.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				t.Fatalf("Send channel closed while waiting for %q", msgType)
			}
			var msg wshub.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("Unparseable server message: %v", err)
			}
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %q", msgType)
		}
	}
}

// expectNone asserts no message of the given type shows up within the window.
func expectNone(t *testing.T, c *wshub.Client, msgType string, within time.Duration) {
	t.Helper()
	timeout := time.After(within)
	for {
		select {
		case data := <-c.Send:
			var msg wshub.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("Unparseable server message: %v", err)
			}
			if msg.Type == msgType {
				t.Fatalf("Unexpected %q message: %+v", msgType, msg)
			}
		case <-timeout:
			return
		}
	}
}

// solve computes the answer from the question text the way a client would.
func solve(t *testing.T, text string) int {
	t.Helper()
	var a, b int
	var op string
	if _, err := fmt.Sscanf(text, "%d %s %d", &a, &op, &b); err != nil {
		t.Fatalf("Unparseable question %q: %v", text, err)
	}
	switch op {
	case "+":
		return a + b
	case "-":
		return a - b
	case "x":
		return a * b
	}
	t.Fatalf("Unknown operator in %q", text)
	return 0
}

// startedDuel builds a two-player match and starts it, returning the match
// and the question list from the start broadcast.
func startedDuel(t *testing.T, s *Server, a, b auth.Identity, ca, cb *wshub.Client) (*matches.Match, []string) {
	t.Helper()

	s.createMatch(a, ModeDuel)
	created := waitFor(t, ca, "created")
	code := created.MatchCode

	s.joinMatch(b, code)
	waitFor(t, ca, "roster")
	waitFor(t, cb, "roster")

	s.startMatch(a)
	started := waitFor(t, ca, "started")
	waitFor(t, cb, "started")

	m := s.Matches.Get(code)
	if m == nil {
		t.Fatalf("Match %s vanished after start", code)
	}
	return m, started.Questions
}

// waitState polls until the game reaches the wanted state. Settlement
// completes on its own goroutine, so tests that act on a settled match
// need to wait it out.
func waitState(t *testing.T, m *matches.Match, want game.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Game.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Game never reached state %q, still %q", want, m.Game.State())
}

func TestCreateAndJoinMatch(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	s.createMatch(a, ModeDuel)
	created := waitFor(t, ca, "created")
	if len(created.MatchCode) != 5 {
		t.Errorf("Expected 5-character match code, got %q", created.MatchCode)
	}
	if created.Mode != ModeDuel {
		t.Errorf("Expected duel mode, got %q", created.Mode)
	}
	if len(created.Roster) != 1 {
		t.Fatalf("Expected host alone in roster, got %d", len(created.Roster))
	}

	s.joinMatch(b, created.MatchCode)
	rosterA := waitFor(t, ca, "roster")
	rosterB := waitFor(t, cb, "roster")
	if len(rosterA.Roster) != 2 || len(rosterB.Roster) != 2 {
		t.Errorf("Expected both rosters to have 2 players, got %d and %d",
			len(rosterA.Roster), len(rosterB.Roster))
	}

	// A duel holds exactly two players
	c, cc := connect(s, "p3", "Cara")
	s.joinMatch(c, created.MatchCode)
	errMsg := waitFor(t, cc, "error")
	if errMsg.ErrCode != "FULL" {
		t.Errorf("Expected FULL error for third duel player, got %q", errMsg.ErrCode)
	}
}

func TestJoinUnknownMatch(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")

	s.joinMatch(a, "ZZZZZ")
	errMsg := waitFor(t, ca, "error")
	if errMsg.ErrCode != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND, got %q", errMsg.ErrCode)
	}
}

func TestStartRequiresEnoughPlayers(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")

	s.createMatch(a, ModeDuel)
	waitFor(t, ca, "created")

	s.startMatch(a)
	errMsg := waitFor(t, ca, "error")
	if errMsg.ErrCode != "INVALID_STATE" {
		t.Errorf("Expected INVALID_STATE starting a lone match, got %q", errMsg.ErrCode)
	}
}

func TestAnswerBeforeStartRejected(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	s.createMatch(a, ModeDuel)
	created := waitFor(t, ca, "created")
	s.joinMatch(b, created.MatchCode)
	waitFor(t, cb, "roster")

	s.submitAnswer(b, 42)
	errMsg := waitFor(t, cb, "error")
	if errMsg.ErrCode != "INVALID_STATE" {
		t.Errorf("Expected INVALID_STATE for pre-start answer, got %q", errMsg.ErrCode)
	}
}

func TestStartBroadcastsQuestionsAndTicks(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, qs := startedDuel(t, s, a, b, ca, cb)
	if len(qs) != s.Cfg.QuestionCount {
		t.Errorf("Expected %d questions, got %d", s.Cfg.QuestionCount, len(qs))
	}
	if !s.Timers.Running(m.Code) {
		t.Error("Expected countdown to be running after start")
	}

	tick := waitFor(t, ca, "tick")
	if tick.Remaining == nil || *tick.Remaining <= 0 {
		t.Errorf("Expected positive remaining seconds on first tick, got %+v", tick.Remaining)
	}

	// A second start request is a silent no-op
	s.startMatch(b)
	expectNone(t, cb, "started", 100*time.Millisecond)
}

func TestWrongAnswerDoesNotAdvance(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	_, qs := startedDuel(t, s, a, b, ca, cb)

	s.submitAnswer(a, solve(t, qs[0])+1)
	reply := waitFor(t, ca, "answer")
	if reply.Answer == nil || reply.Answer.Correct {
		t.Errorf("Expected incorrect answer result, got %+v", reply.Answer)
	}
	if reply.Answer != nil && reply.Answer.Progress != 0 {
		t.Errorf("Expected progress 0 after wrong answer, got %d", reply.Answer.Progress)
	}
	expectNone(t, cb, "progress", 100*time.Millisecond)
}

func TestCorrectAnswerBroadcastsProgress(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	_, qs := startedDuel(t, s, a, b, ca, cb)

	s.submitAnswer(a, solve(t, qs[0]))
	reply := waitFor(t, ca, "answer")
	if reply.Answer == nil || !reply.Answer.Correct {
		t.Fatalf("Expected correct answer result, got %+v", reply.Answer)
	}
	if reply.Answer.Score != 1 || reply.Answer.Progress != 1 {
		t.Errorf("Expected score 1 progress 1, got %d/%d", reply.Answer.Score, reply.Answer.Progress)
	}
	if reply.Answer.Next != qs[1] {
		t.Errorf("Expected next question %q, got %q", qs[1], reply.Answer.Next)
	}

	progress := waitFor(t, cb, "progress")
	for _, p := range progress.Roster {
		if p.ID == "p1" && p.Score != 1 {
			t.Errorf("Expected Alice at score 1 in progress roster, got %d", p.Score)
		}
	}
}

func TestAllFinishedSettlesMatch(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, qs := startedDuel(t, s, a, b, ca, cb)

	for _, ident := range []auth.Identity{a, b} {
		for _, q := range qs {
			s.submitAnswer(ident, solve(t, q))
		}
	}

	over := waitFor(t, ca, "matchOver")
	waitFor(t, cb, "matchOver")
	if len(over.Roster) != 2 {
		t.Errorf("Expected final roster of 2, got %d", len(over.Roster))
	}
	for _, p := range over.Roster {
		if p.Score != len(qs) {
			t.Errorf("Expected %s to finish with score %d, got %d", p.Name, len(qs), p.Score)
		}
	}

	if !s.Settlements.Settled(m.Code) {
		t.Error("Expected settlement flag after match over")
	}
	waitState(t, m, game.StateSettled)
	if s.Timers.Running(m.Code) {
		t.Error("Expected countdown stopped after settlement")
	}

	// Answers after exhaustion are rejected
	s.submitAnswer(a, 1)
	errMsg := waitFor(t, ca, "error")
	if errMsg.ErrCode != "INVALID_STATE" {
		t.Errorf("Expected INVALID_STATE after match over, got %q", errMsg.ErrCode)
	}
}

func TestSettlementRunsExactlyOnce(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, _ := startedDuel(t, s, a, b, ca, cb)

	// Race two finalize triggers through the match queue; only the first
	// claims the flag.
	m.DoWait(func() { s.finalize(m) })
	m.DoWait(func() { s.finalize(m) })

	waitFor(t, ca, "matchOver")
	waitFor(t, cb, "matchOver")
	expectNone(t, ca, "matchOver", 150*time.Millisecond)
}

func TestTimerExpirySettles(t *testing.T) {
	s := newTestServer()
	s.Matches = matches.NewStore(matches.Config{
		Duration:      150 * time.Millisecond,
		QuestionCount: 3,
		MinPlayers:    2,
	})
	s.Matches.OnEvict(s.releaseMatch)
	s.Timers = timer.NewCoordinator(25 * time.Millisecond)

	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, _ := startedDuel(t, s, a, b, ca, cb)

	waitFor(t, ca, "matchOver")
	waitFor(t, cb, "matchOver")
	if !s.Settlements.Settled(m.Code) {
		t.Error("Expected settlement flag after countdown expiry")
	}
	if s.Timers.Running(m.Code) {
		t.Error("Expected countdown gone after expiry")
	}
}

func TestRejoinWithinGraceKeepsSlot(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, qs := startedDuel(t, s, a, b, ca, cb)

	s.submitAnswer(b, solve(t, qs[0]))
	waitFor(t, cb, "answer")

	s.Hub.Unregister(cb)
	s.handleDisconnect(b)
	left := waitFor(t, ca, "playerLeft")
	if !left.Temporary {
		t.Error("Expected grace-window departure to be temporary")
	}
	if !s.Grace.Pending(m.Code, "p2") {
		t.Error("Expected a pending grace window for Bob")
	}

	// Rejoin well inside the window
	b2, cb2 := connect(s, "p2", "Bob")
	s.rejoinMatch(b2, m.Code)
	snap := waitFor(t, cb2, "snapshot")
	if !snap.Started {
		t.Error("Expected snapshot of a running match")
	}
	if len(snap.Questions) != len(qs) {
		t.Errorf("Expected %d questions in snapshot, got %d", len(qs), len(snap.Questions))
	}
	if snap.Remaining == nil || *snap.Remaining <= 0 {
		t.Errorf("Expected positive remaining time in snapshot, got %+v", snap.Remaining)
	}
	for _, p := range snap.Roster {
		if p.ID == "p2" {
			if p.Score != 1 {
				t.Errorf("Expected Bob's score preserved at 1, got %d", p.Score)
			}
			if !p.Connected {
				t.Error("Expected Bob marked connected after rejoin")
			}
		}
	}
	if s.Grace.Pending(m.Code, "p2") {
		t.Error("Expected grace window cancelled after rejoin")
	}

	// Match keeps running; no forced settlement
	expectNone(t, ca, "matchOver", 400*time.Millisecond)
}

func TestAbandonedMatchSettlesEarly(t *testing.T) {
	s := newTestServer()
	s.Grace = reconnect.NewTracker(40*time.Millisecond, 120*time.Millisecond)

	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, _ := startedDuel(t, s, a, b, ca, cb)

	s.Hub.Unregister(cb)
	s.handleDisconnect(b)

	// The probe fires before the removal and settles the unplayable match
	over := waitFor(t, ca, "matchOver")
	if over.MatchCode != m.Code {
		t.Errorf("Expected matchOver for %s, got %s", m.Code, over.MatchCode)
	}
	if !s.Settlements.Settled(m.Code) {
		t.Error("Expected settlement flag after abandonment")
	}

	// After the full window the slot is gone for good
	time.Sleep(200 * time.Millisecond)
	left := waitFor(t, ca, "playerLeft")
	if left.Temporary {
		t.Error("Expected permanent departure after grace expiry")
	}

	b2, cb2 := connect(s, "p2", "Bob")
	s.rejoinMatch(b2, m.Code)
	errMsg := waitFor(t, cb2, "error")
	if errMsg.ErrCode != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND rejoining after removal, got %q", errMsg.ErrCode)
	}
}

func TestEmptyMatchDeleted(t *testing.T) {
	s := newTestServer()
	s.Grace = reconnect.NewTracker(30*time.Millisecond, 60*time.Millisecond)

	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	s.createMatch(a, ModeDuel)
	created := waitFor(t, ca, "created")
	s.joinMatch(b, created.MatchCode)
	waitFor(t, cb, "roster")

	s.Hub.Unregister(ca)
	s.handleDisconnect(a)
	s.Hub.Unregister(cb)
	s.handleDisconnect(b)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Matches.Get(created.MatchCode) == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected empty match to be deleted after grace windows")
}

func TestRematchRestartsWithFreshQuestions(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, qs := startedDuel(t, s, a, b, ca, cb)

	for _, ident := range []auth.Identity{a, b} {
		for _, q := range qs {
			s.submitAnswer(ident, solve(t, q))
		}
	}
	waitFor(t, ca, "matchOver")
	waitFor(t, cb, "matchOver")
	waitState(t, m, game.StateSettled)

	s.rematchVote(a)
	vote := waitFor(t, cb, "rematch")
	if vote.Votes != 1 || vote.Needed != 2 {
		t.Errorf("Expected 1/2 votes, got %d/%d", vote.Votes, vote.Needed)
	}

	s.rematchVote(b)
	restartedA := waitFor(t, ca, "started")
	waitFor(t, cb, "started")
	if len(restartedA.Questions) != s.Cfg.QuestionCount {
		t.Errorf("Expected %d fresh questions, got %d", s.Cfg.QuestionCount, len(restartedA.Questions))
	}

	if s.Settlements.Settled(m.Code) {
		t.Error("Expected settlement flag cleared for the rematch")
	}
	for _, p := range m.Game.Players.List() {
		if p.Score != 0 || p.Progress != 0 {
			t.Errorf("Expected %s reset to zero, got score %d progress %d", p.Name, p.Score, p.Progress)
		}
	}
	if !s.Timers.Running(m.Code) {
		t.Error("Expected a fresh countdown for the rematch")
	}
}

func TestStaleSocketTeardownKeepsReconnectedPlayer(t *testing.T) {
	s := newTestServer()
	s.Grace = reconnect.NewTracker(30*time.Millisecond, 60*time.Millisecond)

	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")
	m, _ := startedDuel(t, s, a, b, ca, cb)

	// The replacement socket registers before the old read loop winds
	// down; the old socket's teardown must not count as a departure.
	_, cb2 := connect(s, "p2", "Bob")
	s.Hub.Unregister(cb)
	s.handleDisconnect(b)

	if s.Grace.Pending(m.Code, "p2") {
		t.Error("no grace window should be scheduled for a live player")
	}
	if p := m.Game.Players.Get("p2"); p == nil || !p.Connected {
		t.Error("reconnected player must stay connected")
	}

	// Outlive both grace windows: no abandonment settlement, no eviction
	time.Sleep(120 * time.Millisecond)
	if got := m.Game.State(); got != game.StateActive {
		t.Errorf("state = %q, want active", got)
	}
	if !m.Game.Players.Has("p2") {
		t.Error("reconnected player was evicted")
	}
	expectNone(t, ca, "matchOver", 50*time.Millisecond)
	expectNone(t, cb2, "matchOver", 50*time.Millisecond)
}

func TestMatchOverRosterFromSettlementSnapshot(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, qs := startedDuel(t, s, a, b, ca, cb)

	s.submitAnswer(b, solve(t, qs[0]))
	waitFor(t, cb, "answer")

	// The roster mutates right after settlement is claimed; the final
	// standings must reflect the moment of the claim.
	m.DoWait(func() {
		s.finalize(m)
		m.Game.Players.Remove("p2")
	})

	over := waitFor(t, ca, "matchOver")
	if len(over.Roster) != 2 {
		t.Fatalf("final roster has %d entries, want 2", len(over.Roster))
	}
	for _, p := range over.Roster {
		if p.ID == "p2" && p.Score != 1 {
			t.Errorf("Bob's final score = %d, want 1", p.Score)
		}
	}
}

func TestMatchEvictionClearsSessions(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	s.createMatch(a, ModeDuel)
	created := waitFor(t, ca, "created")
	s.joinMatch(b, created.MatchCode)
	waitFor(t, cb, "roster")

	if s.sessionCode("p1") != created.MatchCode || s.sessionCode("p2") != created.MatchCode {
		t.Fatal("expected both sessions bound to the match")
	}

	s.Matches.Delete(created.MatchCode)

	if s.sessionCode("p1") != "" || s.sessionCode("p2") != "" {
		t.Error("sessions should be cleared when the match is evicted")
	}
	if s.Timers.Running(created.MatchCode) {
		t.Error("no countdown should survive eviction")
	}
}

func TestDuplicateRematchVoteCountsOnce(t *testing.T) {
	s := newTestServer()
	a, ca := connect(s, "p1", "Alice")
	b, cb := connect(s, "p2", "Bob")

	m, _ := startedDuel(t, s, a, b, ca, cb)
	m.DoWait(func() { s.finalize(m) })
	waitFor(t, ca, "matchOver")
	waitState(t, m, game.StateSettled)

	s.rematchVote(a)
	waitFor(t, cb, "rematch")
	s.rematchVote(a)
	vote := waitFor(t, cb, "rematch")
	if vote.Votes != 1 {
		t.Errorf("Expected repeat vote to still count once, got %d", vote.Votes)
	}
	expectNone(t, cb, "started", 100*time.Millisecond)
}
