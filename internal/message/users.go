package message

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is a local account that can receive NetMail.
type User struct {
	ID        int64
	Username  string
	RealName  string
	CreatedAt time.Time
}

// AddUser creates a local user. Usernames are unique, case-insensitive.
func (s *Store) AddUser(username, realName string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	now := time.Now()
	res, err := s.db.Exec(`INSERT INTO users (username, real_name, created_at) VALUES (?, ?, ?)`,
		username, strings.TrimSpace(realName), now.Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q already exists: %w", username, ErrDuplicate)
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, RealName: strings.TrimSpace(realName), CreatedAt: now}, nil
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u     User
		rawTS string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.RealName, &rawTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(timeLayout, rawTS)
	return &u, nil
}

// UserByID loads a user by id.
func (s *Store) UserByID(id int64) (*User, error) {
	return scanUser(s.db.QueryRow(`SELECT id, username, real_name, created_at FROM users WHERE id = ?`, id))
}

// FindUserByName matches name against usernames first, then real names,
// ignoring case.
func (s *Store) FindUserByName(name string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNotFound
	}
	u, err := scanUser(s.db.QueryRow(`SELECT id, username, real_name, created_at FROM users
		WHERE username = ? COLLATE NOCASE`, name))
	if !errors.Is(err, ErrNotFound) {
		return u, err
	}
	return scanUser(s.db.QueryRow(`SELECT id, username, real_name, created_at FROM users
		WHERE real_name = ? COLLATE NOCASE ORDER BY id LIMIT 1`, name))
}
