package db

import (
	"fmt"
	"time"
)

type MatchRecord struct {
	ID         string
	Code       string
	Mode       string
	DurationMs int
	StartedAt  *time.Time
	EndedAt    *time.Time
	CreatedAt  time.Time
}

func (d *DB) CreateMatch(code, mode string, durationMs int) (string, error) {
	var id string
	err := d.conn.QueryRow(`
		INSERT INTO matches (code, mode, duration_ms, started_at)
		VALUES ($1, $2, $3, now())
		RETURNING id
	`, code, mode, durationMs).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("creating match record: %w", err)
	}
	return id, nil
}

func (d *DB) EndMatch(matchID string) error {
	_, err := d.conn.Exec(`
		UPDATE matches SET ended_at = now() WHERE id = $1
	`, matchID)
	if err != nil {
		return fmt.Errorf("ending match record: %w", err)
	}
	return nil
}

func (d *DB) AddMatchPlayer(matchID, userID string, finalScore, ratingBefore, ratingAfter int) error {
	_, err := d.conn.Exec(`
		INSERT INTO match_players (match_id, user_id, final_score, rating_before, rating_after)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (match_id, user_id) DO UPDATE
			SET final_score = $3, rating_before = $4, rating_after = $5
	`, matchID, userID, finalScore, ratingBefore, ratingAfter)
	if err != nil {
		return fmt.Errorf("adding match player: %w", err)
	}
	return nil
}
