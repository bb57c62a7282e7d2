// Package message is the SQLite-backed message store: areas, the NetMail
// mailbox, per-message metadata and the local user directory.
package message

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const timeLayout = time.RFC3339Nano

// Store persists messages and their metadata.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. path may be ":memory:".
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("INFO: Message store opened at %s", path)
	return &Store{db: db, path: path}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Persist inserts msg (ID == 0) or replaces it and its metadata. A missing
// UUID is derived with DeterministicUUID. Inserting a UUID that already
// exists returns an error wrapping ErrDuplicate.
func (s *Store) Persist(msg *Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.UUID == uuid.Nil {
		msg.UUID = DeterministicUUID(msg.AreaTag, msg.Timestamp, msg.Subject, msg.Body)
	}
	if msg.Meta == nil {
		msg.Meta = make(Meta)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(timeLayout)
	ts := msg.Timestamp.Format(timeLayout)
	if msg.ID == 0 {
		res, err := tx.Exec(`INSERT INTO messages
			(uuid, area_tag, reply_to_id, to_user, from_user, subject, body, timestamp, modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.UUID.String(), msg.AreaTag, msg.ReplyToID, msg.To, msg.From, msg.Subject, msg.Body, ts, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("persist %s: %w", msg.UUID, ErrDuplicate)
			}
			return fmt.Errorf("inserting message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading message id: %w", err)
		}
		msg.ID = id
	} else {
		res, err := tx.Exec(`UPDATE messages SET uuid = ?, area_tag = ?, reply_to_id = ?, to_user = ?,
			from_user = ?, subject = ?, body = ?, timestamp = ?, modified = ? WHERE id = ?`,
			msg.UUID.String(), msg.AreaTag, msg.ReplyToID, msg.To, msg.From, msg.Subject, msg.Body, ts, now, msg.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("persist %s: %w", msg.UUID, ErrDuplicate)
			}
			return fmt.Errorf("updating message %d: %w", msg.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update message %d: %w", msg.ID, ErrNotFound)
		}
		if _, err := tx.Exec(`DELETE FROM message_meta WHERE message_id = ?`, msg.ID); err != nil {
			return fmt.Errorf("clearing meta for %d: %w", msg.ID, err)
		}
	}

	for category, names := range msg.Meta {
		for name, values := range names {
			if err := insertMeta(tx, msg.ID, category, name, values); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func insertMeta(q queryer, id int64, category, name string, values []string) error {
	for i, v := range values {
		if _, err := q.Exec(`INSERT INTO message_meta (message_id, category, name, position, value)
			VALUES (?, ?, ?, ?, ?)`, id, category, name, i, v); err != nil {
			return fmt.Errorf("inserting meta %s/%s for %d: %w", category, name, id, err)
		}
	}
	return nil
}

const messageColumns = `id, uuid, area_tag, reply_to_id, to_user, from_user, subject, body, timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m       Message
		rawUUID string
		rawTS   string
	)
	if err := row.Scan(&m.ID, &rawUUID, &m.AreaTag, &m.ReplyToID, &m.To, &m.From, &m.Subject, &m.Body, &rawTS); err != nil {
		return nil, err
	}
	var err error
	if m.UUID, err = uuid.Parse(rawUUID); err != nil {
		return nil, fmt.Errorf("message %d has invalid uuid %q: %w", m.ID, rawUUID, err)
	}
	if m.Timestamp, err = time.Parse(timeLayout, rawTS); err != nil {
		return nil, fmt.Errorf("message %d has invalid timestamp %q: %w", m.ID, rawTS, err)
	}
	return &m, nil
}

func (s *Store) loadOne(query string, arg any) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if m.Meta, err = s.loadMeta(m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadByID loads a message and its metadata.
func (s *Store) LoadByID(id int64) (*Message, error) {
	return s.loadOne(`id = ?`, id)
}

// LoadByUUID loads a message by its identity.
func (s *Store) LoadByUUID(id uuid.UUID) (*Message, error) {
	return s.loadOne(`uuid = ?`, id.String())
}

func (s *Store) loadMeta(id int64) (Meta, error) {
	rows, err := s.db.Query(`SELECT category, name, value FROM message_meta
		WHERE message_id = ? ORDER BY category, name, position`, id)
	if err != nil {
		return nil, fmt.Errorf("loading meta for %d: %w", id, err)
	}
	defer rows.Close()

	meta := make(Meta)
	for rows.Next() {
		var category, name, value string
		if err := rows.Scan(&category, &name, &value); err != nil {
			return nil, fmt.Errorf("scanning meta for %d: %w", id, err)
		}
		meta.Add(category, name, value)
	}
	return meta, rows.Err()
}

// Find returns messages matching f in ascending id order, with metadata.
func (s *Store) Find(f Filter) ([]*Message, error) {
	var (
		where []string
		args  []any
	)
	if f.AreaTag != "" {
		where = append(where, "m.area_tag = ?")
		args = append(args, f.AreaTag)
	}
	if f.NewerThanID > 0 {
		where = append(where, "m.id > ?")
		args = append(args, f.NewerThanID)
	}
	for _, k := range f.WithMeta {
		where = append(where, "EXISTS (SELECT 1 FROM message_meta mm WHERE mm.message_id = m.id AND mm.category = ? AND mm.name = ?)")
		args = append(args, k.Category, k.Name)
	}
	for _, k := range f.WithoutMeta {
		where = append(where, "NOT EXISTS (SELECT 1 FROM message_meta mm WHERE mm.message_id = m.id AND mm.category = ? AND mm.name = ?)")
		args = append(args, k.Category, k.Name)
	}

	q := `SELECT ` + prefixColumns("m.", messageColumns) + ` FROM messages m`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY m.id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("finding messages: %w", err)
	}
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	// Meta is loaded after the cursor closes; the pool holds one connection.
	for _, m := range msgs {
		if m.Meta, err = s.loadMeta(m.ID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ", ")
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, ", ")
}

// GetMetaValues returns the ordered values of one meta entry.
func (s *Store) GetMetaValues(id int64, category, name string) ([]string, error) {
	rows, err := s.db.Query(`SELECT value FROM message_meta
		WHERE message_id = ? AND category = ? AND name = ? ORDER BY position`, id, category, name)
	if err != nil {
		return nil, fmt.Errorf("loading meta %s/%s for %d: %w", category, name, id, err)
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// PersistMetaValue replaces the values of one meta entry on a stored
// message.
func (s *Store) PersistMetaValue(id int64, category, name string, values ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM message_meta WHERE message_id = ? AND category = ? AND name = ?`,
		id, category, name); err != nil {
		return fmt.Errorf("clearing meta %s/%s for %d: %w", category, name, id, err)
	}
	if err := insertMeta(tx, id, category, name, values); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessageIDsByMetaValue returns the ids of messages carrying value under
// category/name.
func (s *Store) GetMessageIDsByMetaValue(category, name, value string) ([]int64, error) {
	rows, err := s.db.Query(`SELECT DISTINCT message_id FROM message_meta
		WHERE category = ? AND name = ? AND value = ? ORDER BY message_id`, category, name, value)
	if err != nil {
		return nil, fmt.Errorf("finding %s/%s=%q: %w", category, name, value, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByArea returns the number of stored messages per area tag.
func (s *Store) CountByArea() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT area_tag, COUNT(*) FROM messages GROUP BY area_tag`)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}
