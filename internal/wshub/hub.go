package wshub

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/coder/websocket"
)

// ClientMessage is the JSON structure received from clients.
type ClientMessage struct {
	Type   string `json:"t"`
	Code   string `json:"code,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Answer *int   `json:"answer,omitempty"`
}

// PlayerInfo is a roster entry shared in broadcasts.
type PlayerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Progress  int    `json:"progress"`
	Connected bool   `json:"connected"`
}

// AnswerResult is the direct reply to a submitted answer.
type AnswerResult struct {
	Correct  bool   `json:"correct"`
	Score    int    `json:"score"`
	Progress int    `json:"progress"`
	Next     string `json:"next,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// RatingInfo carries one participant's post-match rating.
type RatingInfo struct {
	Name   string `json:"name"`
	Rating int    `json:"rating"`
	Delta  int    `json:"delta"`
}

// LeaderboardEntry is one row of the global top-N ranking.
type LeaderboardEntry struct {
	Name   string `json:"name"`
	Rating int    `json:"rating"`
}

// ServerMessage is the JSON structure sent to clients.
type ServerMessage struct {
	Type      string             `json:"t"`
	ErrCode   string             `json:"code,omitempty"`
	Msg       string             `json:"msg,omitempty"`
	MatchCode string             `json:"match,omitempty"`
	Mode      string             `json:"mode,omitempty"`
	Roster    []PlayerInfo       `json:"roster,omitempty"`
	Questions []string           `json:"questions,omitempty"`
	Started   bool               `json:"started,omitempty"`
	Duration  int                `json:"duration,omitempty"`
	Remaining *int               `json:"remaining,omitempty"`
	Answer    *AnswerResult      `json:"answer,omitempty"`
	Name      string             `json:"name,omitempty"`
	Temporary bool               `json:"temporary,omitempty"`
	Votes     int                `json:"votes,omitempty"`
	Needed    int                `json:"needed,omitempty"`
	Ratings   []RatingInfo       `json:"ratings,omitempty"`
	Top       []LeaderboardEntry `json:"top,omitempty"`
}

// Client represents a single WebSocket connection in the hub.
type Client struct {
	PlayerID string
	Name     string
	Conn     *websocket.Conn
	Send     chan []byte
}

// WritePump reads from the Send channel and writes to the WebSocket connection.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.Conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// Hub manages every live WebSocket connection on the server, keyed by
// player session ID. Match-scoped fanout goes through BroadcastTo with the
// match's roster; leaderboard snapshots go to everyone.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub. A client reconnecting under the same
// player ID replaces the stale entry.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.PlayerID]; ok && old != c {
		close(old.Send)
	}
	h.clients[c.PlayerID] = c
}

// Unregister removes a client and closes its Send channel. Removing an
// already-replaced or unknown client is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.PlayerID]; ok && cur == c {
		close(cur.Send)
		delete(h.clients, c.PlayerID)
	}
}

// Connected reports whether a player currently has a live connection.
func (h *Hub) Connected(playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[playerID]
	return ok
}

// Send delivers a message to one player. Non-blocking: drops if channel full.
func (h *Hub) Send(playerID string, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WSHub] Marshal error: %v\n", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[playerID]; ok {
		select {
		case c.Send <- data:
		default:
			// Drop message if channel full
		}
	}
}

// BroadcastTo sends a message to the listed players. Non-blocking per client.
func (h *Hub) BroadcastTo(playerIDs []string, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WSHub] Marshal error: %v\n", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range playerIDs {
		if c, ok := h.clients[id]; ok {
			select {
			case c.Send <- data:
			default:
			}
		}
	}
}

// BroadcastAll sends a message to every connected client.
func (h *Hub) BroadcastAll(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WSHub] Marshal error: %v\n", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.Send <- data:
		default:
		}
	}
}
