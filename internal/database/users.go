package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

// User is a known principal with its assigned roles.
type User struct {
	ID        string
	Name      string
	Roles     []review.Role
	CreatedAt time.Time
}

// UpsertUser creates a user or replaces its name and roles.
func (db *DB) UpsertUser(ctx context.Context, u User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO users (id, name, roles, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, roles = excluded.roles`,
		u.ID, u.Name, string(roles), formatTime(db.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser loads one user.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT id, name, roles, created_at FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, review.ErrNotFound)
	}
	return u, err
}

// ListUsers returns every user ordered by ID.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, name, roles, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UsersWithRole returns the IDs of users holding role.
func (db *DB) UsersWithRole(ctx context.Context, role review.Role) ([]string, error) {
	users, err := db.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, u := range users {
		for _, r := range u.Roles {
			if r == role {
				ids = append(ids, u.ID)
				break
			}
		}
	}
	return ids, nil
}

// Principal resolves a caller ID into the principal used by transition guards.
func (db *DB) Principal(ctx context.Context, userID string) (*review.Principal, error) {
	u, err := db.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &review.Principal{ID: u.ID, Roles: u.Roles}, nil
}

func scanUser(row scanner) (*User, error) {
	var u User
	var roles, createdAt string
	if err := row.Scan(&u.ID, &u.Name, &roles, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &u.Roles); err != nil {
		return nil, fmt.Errorf("decode roles for %s: %w", u.ID, err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}
