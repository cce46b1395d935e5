package game

import (
	"errors"
	"math"
	"sync"
	"time"

	"mathclash/internal/players"
	"mathclash/internal/questions"
)

type State string

const (
	StateForming        = State("forming")
	StateWaiting        = State("waiting")
	StateActive         = State("active")
	StateSettling       = State("settling")
	StateSettled        = State("settled")
	StateRematchPending = State("rematch_pending")
)

var (
	ErrNotFound     = errors.New("match not found")
	ErrFull         = errors.New("match is full")
	ErrInvalidState = errors.New("action not valid in current state")
)

type Config struct {
	Duration   time.Duration
	MinPlayers int
	MaxPlayers int
}

// AnswerResult is the direct reply to a submitted answer.
type AnswerResult struct {
	Correct  bool
	Score    int
	Progress int
	Next     string // next question text, empty when the list is exhausted
	Done     bool
}

// GameData is a read snapshot of one match, from one participant's view.
type GameData struct {
	State     State
	You       *players.Participant
	Roster    []*players.Participant
	Questions []string
	Started   bool
	Remaining int // seconds, 0 when not started
}

// Game holds the mutable state of one quiz match. The question list is fixed
// at creation and only replaced wholesale on a rematch.
type Game struct {
	mu        sync.Mutex
	state     State
	questions []questions.Question
	startedAt time.Time
	votes     map[string]bool
	Players   *players.Store
	Config    Config
}

func New(ps *players.Store, qs []questions.Question, cfg Config) *Game {
	return &Game{
		state:     StateForming,
		questions: qs,
		votes:     make(map[string]bool),
		Players:   ps,
		Config:    cfg,
	}
}

func (g *Game) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Game) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.startedAt.IsZero()
}

func (g *Game) StartedAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startedAt
}

func (g *Game) QuestionTexts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return questions.Texts(g.questions)
}

func (g *Game) QuestionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.questions)
}

// Join adds a participant, or re-attaches one that already holds a slot.
func (g *Game) Join(id, userID, name string) ([]*players.Participant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.Players.Has(id) {
		if g.state != StateForming && g.state != StateWaiting {
			return nil, ErrInvalidState
		}
		if g.Players.Count() >= g.Config.MaxPlayers {
			return nil, ErrFull
		}
	}
	g.Players.Add(id, userID, name)
	if g.state == StateForming && g.Players.Count() >= g.Config.MinPlayers {
		g.state = StateWaiting
	}
	return g.Players.List(), nil
}

// Start anchors the countdown. Returns false without error if the match is
// already running, so duplicate start requests are harmless.
func (g *Game) Start(now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateActive {
		return false, nil
	}
	if g.state != StateWaiting {
		return false, ErrInvalidState
	}
	g.startedAt = now
	g.state = StateActive
	return true, nil
}

// SubmitAnswer checks answer against the participant's current question.
// Score and progress advance only on a correct answer.
func (g *Game) SubmitAnswer(id string, answer int) (AnswerResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateActive {
		return AnswerResult{}, ErrInvalidState
	}
	p := g.Players.Get(id)
	if p == nil {
		return AnswerResult{}, ErrNotFound
	}
	if p.Progress >= len(g.questions) {
		return AnswerResult{}, ErrInvalidState
	}

	if answer != g.questions[p.Progress].Answer {
		return AnswerResult{
			Correct:  false,
			Score:    p.Score,
			Progress: p.Progress,
			Next:     g.questions[p.Progress].Text,
		}, nil
	}

	g.Players.Advance(id)
	res := AnswerResult{
		Correct:  true,
		Score:    p.Score,
		Progress: p.Progress,
		Done:     p.Progress >= len(g.questions),
	}
	if !res.Done {
		res.Next = g.questions[p.Progress].Text
	}
	return res, nil
}

// AllFinished reports whether every participant has exhausted the question
// list. Empty matches are never finished.
func (g *Game) AllFinished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	roster := g.Players.List()
	if len(roster) == 0 {
		return false
	}
	for _, p := range roster {
		if p.Progress < len(g.questions) {
			return false
		}
	}
	return true
}

// MarkSettling claims the match for finalization. Only one caller can move
// it out of the active state.
func (g *Game) MarkSettling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateActive {
		return false
	}
	g.state = StateSettling
	return true
}

func (g *Game) MarkSettled() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateSettling {
		g.state = StateSettled
	}
}

// VoteRematch records a vote. All current participants must vote before a
// new game begins.
func (g *Game) VoteRematch(id string) (votes, needed int, all bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateSettled && g.state != StateRematchPending {
		return 0, 0, false, ErrInvalidState
	}
	if !g.Players.Has(id) {
		return 0, 0, false, ErrNotFound
	}
	g.state = StateRematchPending
	g.votes[id] = true

	needed = g.Players.Count()
	for vid := range g.votes {
		if g.Players.Has(vid) {
			votes++
		}
	}
	return votes, needed, votes >= needed, nil
}

// Reset swaps in a fresh question list and zeroes all progress, returning
// the match to the waiting state so it can be started again. A match that
// lost players below the minimum drops back to forming instead.
func (g *Game) Reset(qs []questions.Question) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.questions = qs
	g.startedAt = time.Time{}
	g.votes = make(map[string]bool)
	g.Players.ResetAll()
	if g.Players.Count() >= g.Config.MinPlayers {
		g.state = StateWaiting
	} else {
		g.state = StateForming
	}
}

// Remaining reports the countdown seconds left as of now.
func (g *Game) Remaining(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startedAt.IsZero() {
		return 0
	}
	left := g.Config.Duration - now.Sub(g.startedAt)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// Snapshot returns the full current view for one participant, used for the
// initial join reply and for rejoins.
func (g *Game) Snapshot(id string, now time.Time) GameData {
	g.mu.Lock()
	state := g.state
	started := !g.startedAt.IsZero()
	texts := questions.Texts(g.questions)
	g.mu.Unlock()

	return GameData{
		State:     state,
		You:       g.Players.Get(id),
		Roster:    g.Players.List(),
		Questions: texts,
		Started:   started,
		Remaining: g.Remaining(now),
	}
}
