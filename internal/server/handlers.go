package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"mathclash/internal/auth"
	"mathclash/internal/wshub"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// handleGuest issues a signed session token for a display name. The durable
// user row is created here, so settlement can resolve the identity later.
func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	if s.DB != nil {
		if err := s.DB.UpsertUser(id, name, s.Cfg.DefaultRating); err != nil {
			log.Printf("[Auth] UpsertUser error: %v\n", err)
		}
	}

	token, err := s.Signer.Issue(auth.Identity{ID: id, Name: name})
	if err != nil {
		log.Printf("[Auth] issuing token: %v\n", err)
		http.Error(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":    id,
		"name":  name,
		"token": token,
	})
}

// handleWS upgrades the connection and pumps client events into the
// session coordinator until the socket drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.Signer.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "Invalid session token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[WS] accept error: %v\n", err)
		return
	}
	defer conn.CloseNow()

	client := &wshub.Client{
		PlayerID: ident.ID,
		Name:     ident.Name,
		Conn:     conn,
		Send:     make(chan []byte, 32),
	}
	s.Hub.Register(client)

	ctx := r.Context()
	go client.WritePump(ctx)

	log.Printf("[WS] %s (%s) connected\n", ident.Name, ident.ID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var msg wshub.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Hub.Send(ident.ID, wshub.ServerMessage{
				Type:    "error",
				ErrCode: "BAD_MESSAGE",
				Msg:     "unparseable message",
			})
			continue
		}
		s.dispatch(ident, msg)
	}

	log.Printf("[WS] %s (%s) disconnected\n", ident.Name, ident.ID)
	s.Hub.Unregister(client)
	s.handleDisconnect(ident)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	entries := []wshub.LeaderboardEntry{}
	if s.DB != nil {
		top, err := s.DB.TopUsers(s.Cfg.LeaderboardSize)
		if err != nil {
			log.Printf("[HTTP] leaderboard query: %v\n", err)
			http.Error(w, "Failed to load leaderboard", http.StatusInternalServerError)
			return
		}
		for _, u := range top {
			entries = append(entries, wshub.LeaderboardEntry{Name: u.Name, Rating: u.Rating})
		}
	}
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.DB != nil {
		if err := s.DB.Ping(); err != nil {
			status = "db_error"
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"%s","error":"%s"}`, status, err.Error())
			return
		}
	}
	fmt.Fprintf(w, `{"status":"%s"}`, status)
}
