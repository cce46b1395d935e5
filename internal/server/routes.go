package server

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"mathclash/internal/auth"
	"mathclash/internal/config"
	"mathclash/internal/db"
	"mathclash/internal/matches"
	"mathclash/internal/reconnect"
	"mathclash/internal/settle"
	"mathclash/internal/timer"
	"mathclash/internal/wshub"
)

// Server wires every registry the match coordinator needs. Nothing in here
// is ambient state: tests build as many independent servers as they like.
type Server struct {
	Cfg         config.Config
	Matches     *matches.Store
	Hub         *wshub.Hub
	Timers      *timer.Coordinator
	Grace       *reconnect.Tracker
	Settlements *settle.Registry
	Signer      *auth.Signer
	DB          *db.DB // nil if no database configured

	mu       sync.Mutex
	sessions map[string]string // player ID -> current match code
}

func New(cfg config.Config, database *db.DB, signer *auth.Signer) *Server {
	s := &Server{
		Cfg: cfg,
		Matches: matches.NewStore(matches.Config{
			Duration:      time.Duration(cfg.MatchDuration) * time.Second,
			QuestionCount: cfg.QuestionCount,
			MinPlayers:    cfg.MinPlayers,
		}),
		Hub:         wshub.NewHub(),
		Timers:      timer.NewCoordinator(time.Second),
		Grace:       reconnect.NewTracker(time.Duration(cfg.AbandonCheck)*time.Second, time.Duration(cfg.GraceWindow)*time.Second),
		Settlements: settle.NewRegistry(time.Duration(cfg.SettlementTTL) * time.Second),
		Signer:      signer,
		DB:          database,
		sessions:    make(map[string]string),
	}
	s.Matches.OnEvict(s.releaseMatch)
	return s
}

// releaseMatch frees every per-match resource held outside the store. Runs
// after a match is deleted or swept stale.
func (s *Server) releaseMatch(m *matches.Match) {
	s.Timers.Stop(m.Code)
	s.Grace.CancelAll(m.Code)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, code := range s.sessions {
		if code == m.Code {
			delete(s.sessions, id)
		}
	}
}

func Run() error {
	appCfg := config.Load()

	signer, err := auth.NewSigner()
	if err != nil {
		return fmt.Errorf("initializing token signer: %w", err)
	}

	srv := New(appCfg, nil, signer)

	// Optional database connection
	if appCfg.DatabaseURL != "" {
		database, err := db.Connect(appCfg.DatabaseURL)
		if err != nil {
			log.Printf("[DB] Failed to connect: %v (running without database)\n", err)
		} else {
			if err := database.Migrate(); err != nil {
				log.Printf("[DB] Migration failed: %v\n", err)
			}
			srv.DB = database
			log.Println("[DB] Database connected and migrations applied")
		}
	} else {
		log.Println("[DB] DATABASE_URL not set, running without database")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/guest", srv.handleGuest)
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/leaderboard", srv.handleLeaderboard)
	mux.HandleFunc("/health", srv.handleHealth)

	addr := "0.0.0.0:" + appCfg.Port
	fmt.Printf("Server listening on http://localhost:%s\n", appCfg.Port)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) setSession(playerID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[playerID] = code
}

func (s *Server) clearSession(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, playerID)
}

func (s *Server) sessionCode(playerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[playerID]
}
