package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flitsinc/agenthub/internal/history"
	"github.com/flitsinc/agenthub/internal/idgen"
)

// Store persists sessions and chat-message snapshots. The event history is
// deliberately not persisted; only conversation state survives a restart.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type Session struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) CreateSession(ctx context.Context, id string) (Session, error) {
	if id == "" {
		id = idgen.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, "open", now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return Session{ID: id, Status: "open", CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) CloseSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = 'closed', updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, created_at, updated_at FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var session Session
		var createdAtStr, updatedAtStr string
		if err := rows.Scan(&session.ID, &session.Status, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		session.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// ReplaceMessages stores a full snapshot of the session's chat log, replacing
// any previous one. Excluded ids are flagged so rehydration can restore the
// exclusion set.
func (s *Store) ReplaceMessages(ctx context.Context, sessionID string, msgs []history.Message, excludedIDs []string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	excluded := make(map[string]struct{}, len(excludedIDs))
	for _, id := range excludedIDs {
		excluded[id] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear previous snapshot: %w", err)
	}
	for i, msg := range msgs {
		excludedFlag := 0
		if _, gone := excluded[msg.ID]; gone {
			excludedFlag = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (id, session_id, role, type, step, content, excluded, position, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, string(msg.Role), string(msg.Type), msg.Step, msg.Content, excludedFlag, i, msg.Timestamp.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadMessages returns the stored snapshot in insertion order, plus the ids
// that were excluded when it was taken.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]history.Message, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, type, step, content, excluded, created_at FROM chat_messages WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var msgs []history.Message
	var excludedIDs []string
	for rows.Next() {
		var msg history.Message
		var role, msgType, createdAtStr string
		var excludedFlag int
		if err := rows.Scan(&msg.ID, &role, &msgType, &msg.Step, &msg.Content, &excludedFlag, &createdAtStr); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = history.Role(role)
		msg.Type = history.MessageType(msgType)
		msg.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		if excludedFlag != 0 {
			excludedIDs = append(excludedIDs, msg.ID)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, excludedIDs, nil
}

// Rehydrate feeds a stored snapshot back into a history manager.
func Rehydrate(ctx context.Context, store *Store, sessionID string, mgr *history.Manager) error {
	msgs, excludedIDs, err := store.LoadMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := mgr.AddComplete(msg); err != nil {
			return fmt.Errorf("rehydrate message %s: %w", msg.ID, err)
		}
	}
	for _, id := range excludedIDs {
		if err := mgr.Exclude(id); err != nil {
			return fmt.Errorf("rehydrate exclusion %s: %w", id, err)
		}
	}
	return nil
}
