package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

type UserRecord struct {
	ID        string
	Name      string
	Rating    int
	UpdatedAt time.Time
}

// UpsertUser creates the user row or refreshes its name, leaving the rating
// untouched for existing users.
func (d *DB) UpsertUser(id, name string, defaultRating int) error {
	_, err := d.conn.Exec(`
		INSERT INTO users (id, name, rating)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = $2, updated_at = now()
	`, id, name, defaultRating)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

func (d *DB) GetUser(id string) (*UserRecord, error) {
	var u UserRecord
	err := d.conn.QueryRow(`
		SELECT id, name, rating, updated_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &u.Rating, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

// GetUserByName resolves a user by display name. Names are not unique, so a
// name held by zero or several users resolves to ErrUserNotFound rather than
// guessing.
func (d *DB) GetUserByName(name string) (*UserRecord, error) {
	rows, err := d.conn.Query(`
		SELECT id, name, rating, updated_at FROM users WHERE name = $1 LIMIT 2
	`, name)
	if err != nil {
		return nil, fmt.Errorf("looking up user by name: %w", err)
	}
	defer rows.Close()

	var found []*UserRecord
	for rows.Next() {
		var u UserRecord
		if err := rows.Scan(&u.ID, &u.Name, &u.Rating, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		found = append(found, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("looking up user by name: %w", err)
	}
	if len(found) != 1 {
		return nil, ErrUserNotFound
	}
	return found[0], nil
}

func (d *DB) UpdateRating(id string, rating int) error {
	res, err := d.conn.Exec(`
		UPDATE users SET rating = $2, updated_at = now() WHERE id = $1
	`, id, rating)
	if err != nil {
		return fmt.Errorf("updating rating: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// TopUsers returns the highest-rated users for the leaderboard.
func (d *DB) TopUsers(limit int) ([]UserRecord, error) {
	rows, err := d.conn.Query(`
		SELECT id, name, rating, updated_at FROM users
		ORDER BY rating DESC, updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying top users: %w", err)
	}
	defer rows.Close()

	var top []UserRecord
	for rows.Next() {
		var u UserRecord
		if err := rows.Scan(&u.ID, &u.Name, &u.Rating, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning top user: %w", err)
		}
		top = append(top, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying top users: %w", err)
	}
	return top, nil
}
