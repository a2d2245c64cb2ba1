package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
)

// CreateSession inserts an empty conversation session for a user.
func (s *Store) CreateSession(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	id := "ses_" + uuid.NewString()
	now := time.Now().UnixMilli()
	_, err = db.ExecContext(ctx, `
INSERT INTO sessions (id,user_id,created_at,updated_at) VALUES (?,?,?,?)`, id, userID, now, now)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// AppendMessage appends one message to a session's log with a store-assigned
// timestamp. Messages are never mutated or removed afterwards; the
// AUTOINCREMENT seq makes read order equal commit order even when producers
// append concurrently.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role domain.Role, name string, data json.RawMessage) error {
	switch role {
	case domain.RoleInput, domain.RoleOutput, domain.RoleAction:
	default:
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	if data == nil {
		data = json.RawMessage("{}")
	}
	now := time.Now().UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at=? WHERE id=?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO session_messages (session_id,role,name,data,created_at) VALUES (?,?,?,?,?)`,
		sessionID, string(role), name, []byte(data), now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// GetMessages returns a session's full log in append order. An unknown
// session yields an empty slice, not an error.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT seq,role,name,data,created_at FROM session_messages
WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			role      string
			data      []byte
			createdAt int64
		)
		if err := rows.Scan(&m.Seq, &role, &m.Name, &data, &createdAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.Data = json.RawMessage(data)
		m.Timestamp = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	db, err := s.handle()
	if err != nil {
		return domain.Session{}, err
	}
	row := db.QueryRowContext(ctx, `
SELECT id,user_id,created_at,updated_at FROM sessions WHERE id=?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return sess, err
}

// ListSessionsForUser returns a user's sessions newest-first.
func (s *Store) ListSessionsForUser(ctx context.Context, userID string) ([]domain.Session, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT id,user_id,created_at,updated_at FROM sessions
WHERE user_id=? ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		sess      domain.Session
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &createdAt, &updatedAt); err != nil {
		return domain.Session{}, err
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return sess, nil
}
