// Package sqlite persists conversation history and learned relationship
// fields in a local SQLite database. It backs storage.Journal and
// storage.RelationshipStore.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/pkg/types"
)

// Schema is applied on every open; statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id     TEXT NOT NULL,
	platform_message_id TEXT NOT NULL,
	sender              TEXT NOT NULL,
	text                TEXT NOT NULL,
	ts                  TIMESTAMP NOT NULL,
	UNIQUE (conversation_id, platform_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq);

CREATE TABLE IF NOT EXISTS relationships (
	contact_id        TEXT PRIMARY KEY,
	relationship_type TEXT NOT NULL,
	closeness         REAL NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	last_interaction  TIMESTAMP,
	last_direction    TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Journal implements storage.Journal and storage.RelationshipStore on SQLite.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// Compile-time interface checks.
var (
	_ storage.Journal           = (*Journal)(nil)
	_ storage.RelationshipStore = (*Journal)(nil)
)

// NewJournal opens (or creates) the journal at dsn with WAL self-healing.
// If the initial open fails due to stale WAL files left behind by a crashed
// process, it verifies no other process holds them and retries once after
// removing the stale -shm/-wal files.
func NewJournal(dsn string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	j, err := openJournal(dsn, logger)
	if err == nil {
		return j, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath, logger)

	j, retryErr := openJournal(dsn, logger)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	logger.Info("sqlite: recovered from stale WAL files", zap.String("path", dbPath))
	return j, nil
}

// openJournal opens a SQLite database, configures WAL mode, and creates the schema.
func openJournal(dsn string, logger *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Record stores msg and trims the conversation to its newest keep messages.
// A message already journaled is ignored.
func (j *Journal) Record(ctx context.Context, conversationID string, msg types.Message, keep int) error {
	if conversationID == "" || msg.PlatformMessageID == "" {
		return fmt.Errorf("%w: conversation and message ids are required", storage.ErrInvalidInput)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, platform_message_id, sender, text, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, platform_message_id) DO NOTHING
	`, conversationID, msg.PlatformMessageID, msg.Sender, msg.Text, msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to record message: %w", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE conversation_id = ?
			  AND seq NOT IN (
				SELECT seq FROM messages WHERE conversation_id = ?
				ORDER BY seq DESC LIMIT ?
			  )
		`, conversationID, conversationID, keep)
		if err != nil {
			return fmt.Errorf("sqlite: failed to trim conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit: %w", err)
	}
	return nil
}

// Replay calls fn for every journaled message, grouped by conversation and
// oldest first within each.
func (j *Journal) Replay(ctx context.Context, fn func(conversationID string, msg types.Message) error) error {
	rows, err := j.db.QueryContext(ctx, `
		SELECT conversation_id, platform_message_id, sender, text, ts
		FROM messages
		ORDER BY conversation_id, seq
	`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to query messages: %w", err)
	}
	defer rows.Close()

	// Buffer first: fn may write back through the single connection.
	type row struct {
		conversationID string
		msg            types.Message
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.conversationID, &r.msg.PlatformMessageID, &r.msg.Sender, &r.msg.Text, &r.msg.Timestamp); err != nil {
			return fmt.Errorf("sqlite: failed to scan message: %w", err)
		}
		r.msg.ConversationID = r.conversationID
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: failed to iterate messages: %w", err)
	}
	rows.Close()

	for _, r := range all {
		if err := fn(r.conversationID, r.msg); err != nil {
			return err
		}
	}
	return nil
}

// Forget deletes every message of a conversation.
func (j *Journal) Forget(ctx context.Context, conversationID string) error {
	if _, err := j.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("sqlite: failed to forget conversation: %w", err)
	}
	return nil
}

// SaveRelationship upserts the learned fields of a profile.
func (j *Journal) SaveRelationship(ctx context.Context, p types.RelationshipProfile) error {
	if p.ContactID == "" {
		return fmt.Errorf("%w: contact id is required", storage.ErrInvalidInput)
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO relationships (contact_id, relationship_type, closeness, interaction_count, last_interaction, last_direction, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			relationship_type = excluded.relationship_type,
			closeness = excluded.closeness,
			interaction_count = excluded.interaction_count,
			last_interaction = excluded.last_interaction,
			last_direction = excluded.last_direction,
			updated_at = excluded.updated_at
	`, p.ContactID, string(p.Type), p.Closeness, p.InteractionCount,
		nullableTime(p.LastInteraction), string(p.LastDirection), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to save relationship: %w", err)
	}
	return nil
}

// LoadRelationships returns every persisted profile.
func (j *Journal) LoadRelationships(ctx context.Context) ([]types.RelationshipProfile, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT contact_id, relationship_type, closeness, interaction_count, last_interaction, last_direction
		FROM relationships
		ORDER BY contact_id
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query relationships: %w", err)
	}
	defer rows.Close()

	var out []types.RelationshipProfile
	for rows.Next() {
		var (
			p       types.RelationshipProfile
			relType string
			dir     string
			last    sql.NullTime
		)
		if err := rows.Scan(&p.ContactID, &relType, &p.Closeness, &p.InteractionCount, &last, &dir); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan relationship: %w", err)
		}
		p.Type = types.RelationshipType(relType)
		p.LastDirection = types.Direction(dir)
		if last.Valid {
			p.LastInteraction = last.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MessageCount returns the number of journaled messages in a conversation.
func (j *Journal) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count messages: %w", err)
	}
	return n, nil
}

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so a later process
// can open the database without stale WAL state.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	if _, err := j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		j.logger.Warn("sqlite: WAL checkpoint on close failed (non-fatal)", zap.Error(err))
	}
	return j.db.Close()
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
