// Package store persists conversations, their message logs and the
// attachment blobs messages refer to.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/chatrelay/internal/model"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrForbidden            = errors.New("conversation belongs to another owner")
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid       TEXT    NOT NULL UNIQUE,
	owner_id   TEXT    NOT NULL,
	title      TEXT    NOT NULL DEFAULT 'New Chat',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_uuid TEXT    NOT NULL,
	role              TEXT    NOT NULL,
	content           TEXT    NOT NULL DEFAULT '',
	images            TEXT    NOT NULL DEFAULT '[]',
	files             TEXT    NOT NULL DEFAULT '[]',
	thinking          TEXT    NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_uuid, id);
`

// SQLiteStore is the conversation store. Every operation is scoped to an
// owner; rows of other owners are invisible to reads.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// List returns the owner's conversations, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE owner_id = ?
		ORDER BY updated_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Get returns the conversation if it exists and belongs to ownerID.
func (s *SQLiteStore) Get(ctx context.Context, uuid, ownerID string) (model.Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, owner_id, title, created_at, updated_at
		FROM conversations
		WHERE uuid = ? AND owner_id = ?`, uuid, ownerID)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, false, nil
	}
	if err != nil {
		return model.Conversation{}, false, err
	}
	return c, true, nil
}

// Create inserts a conversation with a caller-chosen uuid. An empty title
// becomes model.DefaultTitle.
func (s *SQLiteStore) Create(ctx context.Context, uuid, ownerID, title string) (model.Conversation, error) {
	if title == "" {
		title = model.DefaultTitle
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (uuid, owner_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING`, uuid, ownerID, title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Conversation{}, fmt.Errorf("%w: %s", ErrConversationExists, uuid)
	}

	return model.Conversation{
		UUID:      uuid,
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Rename sets the title and advances updated_at.
func (s *SQLiteStore) Rename(ctx context.Context, uuid, ownerID, title string) (model.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, uuid, ownerID); err != nil {
		return model.Conversation{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = MAX(updated_at + 1, ?)
		WHERE uuid = ?`, title, s.now().UnixNano(), uuid); err != nil {
		return model.Conversation{}, fmt.Errorf("failed to rename conversation: %w", err)
	}

	c, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT uuid, owner_id, title, created_at, updated_at
		FROM conversations WHERE uuid = ?`, uuid))
	if err != nil {
		return model.Conversation{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Conversation{}, fmt.Errorf("failed to commit rename: %w", err)
	}
	return c, nil
}

// Delete removes the conversation and all of its messages. A conversation
// that is absent or owned by someone else reports ErrConversationNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, uuid, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, uuid, ownerID); err != nil {
		if errors.Is(err, ErrForbidden) {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, uuid)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	return tx.Commit()
}

// AppendMessage adds a message, creating the conversation with the default
// title if it does not exist yet. updated_at strictly increases.
func (s *SQLiteStore) AppendMessage(ctx context.Context, uuid, ownerID string, msg model.NewMessage) (model.Message, error) {
	images, err := marshalRefs(msg.Images)
	if err != nil {
		return model.Message{}, err
	}
	files, err := marshalRefs(msg.Files)
	if err != nil {
		return model.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()

	err = checkOwner(ctx, tx, uuid, ownerID)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (uuid, owner_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`, uuid, ownerID, model.DefaultTitle, now.UnixNano(), now.UnixNano()); err != nil {
			return model.Message{}, fmt.Errorf("failed to create conversation: %w", err)
		}
	case err != nil:
		return model.Message{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_uuid, role, content, images, files, thinking, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid, string(msg.Role), msg.Content, images, files, msg.Thinking, now.UnixNano())
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to read message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(updated_at + 1, ?) WHERE uuid = ?`,
		now.UnixNano(), uuid); err != nil {
		return model.Message{}, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("failed to commit message: %w", err)
	}

	return model.Message{
		ID:               id,
		ConversationUUID: uuid,
		Role:             msg.Role,
		Content:          msg.Content,
		Images:           nonNilRefs(msg.Images),
		Files:            nonNilRefs(msg.Files),
		Thinking:         msg.Thinking,
		CreatedAt:        now,
	}, nil
}

// ListMessages returns the conversation's messages in insertion order. It is
// empty when the conversation is absent or owned by someone else.
func (s *SQLiteStore) ListMessages(ctx context.Context, uuid, ownerID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_uuid, m.role, m.content, m.images, m.files, m.thinking, m.created_at
		FROM messages m
		JOIN conversations c ON c.uuid = m.conversation_uuid
		WHERE m.conversation_uuid = ? AND c.owner_id = ?
		ORDER BY m.id ASC`, uuid, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m              model.Message
			role           string
			images, files  string
			createdAtNanos int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationUUID, &role, &m.Content, &images, &files, &m.Thinking, &createdAtNanos); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = model.Role(role)
		m.CreatedAt = time.Unix(0, createdAtNanos).UTC()
		if m.Images, err = unmarshalRefs(images); err != nil {
			return nil, err
		}
		if m.Files, err = unmarshalRefs(files); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ClearMessages deletes every message of the conversation and keeps the
// conversation itself.
func (s *SQLiteStore) ClearMessages(ctx context.Context, uuid, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, uuid, ownerID); err != nil {
		if errors.Is(err, ErrForbidden) {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, uuid)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return tx.Commit()
}

// checkOwner returns ErrConversationNotFound when uuid does not exist and
// ErrForbidden when it belongs to another owner.
func checkOwner(ctx context.Context, tx *sql.Tx, uuid, ownerID string) error {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT owner_id FROM conversations WHERE uuid = ?`, uuid).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, uuid)
	}
	if err != nil {
		return fmt.Errorf("failed to look up conversation: %w", err)
	}
	if owner != ownerID {
		return fmt.Errorf("%w: %s", ErrForbidden, uuid)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (model.Conversation, error) {
	var (
		c                    model.Conversation
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.UUID, &c.OwnerID, &c.Title, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return c, nil
}

func marshalRefs(refs []model.BlobRef) (string, error) {
	b, err := json.Marshal(nonNilRefs(refs))
	if err != nil {
		return "", fmt.Errorf("failed to encode blob refs: %w", err)
	}
	return string(b), nil
}

func unmarshalRefs(s string) ([]model.BlobRef, error) {
	refs := []model.BlobRef{}
	if s == "" {
		return refs, nil
	}
	if err := json.Unmarshal([]byte(s), &refs); err != nil {
		return nil, fmt.Errorf("failed to decode blob refs: %w", err)
	}
	return refs, nil
}

func nonNilRefs(refs []model.BlobRef) []model.BlobRef {
	if refs == nil {
		return []model.BlobRef{}
	}
	return refs
}
