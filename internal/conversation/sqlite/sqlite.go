package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/conversation"
)

const (
	settingCurrentProvider     = "current_provider"
	settingCurrentConversation = "current_conversation"
)

// Persister implements conversation.Persister backed by SQLite.
type Persister struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(path string) (*Persister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	p := &Persister{db: db}
	if err := p.initSchema(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Persister) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, position)
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS provider_settings (
	provider TEXT PRIMARY KEY,
	api_key TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT ''
);
`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (p *Persister) Close() error {
	return p.db.Close()
}

// Load reads every conversation with its messages plus the settings.
func (p *Persister) Load(ctx context.Context) (conversation.State, error) {
	var st conversation.State
	rows, err := p.db.QueryContext(ctx, `SELECT id, title, created_at, updated_at FROM conversations ORDER BY created_at, rowid`)
	if err != nil {
		return st, fmt.Errorf("query conversations: %w", err)
	}
	index := map[string]int{}
	for rows.Next() {
		var c conversation.Conversation
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
		index[c.ID] = len(st.Conversations)
		st.Conversations = append(st.Conversations, c)
	}
	if err := rows.Close(); err != nil {
		return st, err
	}

	rows, err = p.db.QueryContext(ctx, `SELECT conversation_id, id, role, content, created_at FROM messages ORDER BY conversation_id, position`)
	if err != nil {
		return st, fmt.Errorf("query messages: %w", err)
	}
	for rows.Next() {
		var convID string
		var m conversation.Message
		var created int64
		if err := rows.Scan(&convID, &m.ID, &m.Role, &m.Content, &created); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromNanos(created)
		if i, ok := index[convID]; ok {
			st.Conversations[i].Messages = append(st.Conversations[i].Messages, m)
		}
	}
	if err := rows.Close(); err != nil {
		return st, err
	}

	st.Config, err = p.loadConfig(ctx)
	return st, err
}

func (p *Persister) loadConfig(ctx context.Context) (conversation.Config, error) {
	cfg := conversation.Config{Providers: map[chat.ProviderKind]conversation.ProviderSettings{}}
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return cfg, fmt.Errorf("query settings: %w", err)
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return cfg, fmt.Errorf("scan setting: %w", err)
		}
		switch key {
		case settingCurrentProvider:
			cfg.CurrentProvider = chat.ProviderKind(value)
		case settingCurrentConversation:
			cfg.CurrentConversationID = value
		}
	}
	if err := rows.Close(); err != nil {
		return cfg, err
	}

	rows, err = p.db.QueryContext(ctx, `SELECT provider, api_key, model FROM provider_settings`)
	if err != nil {
		return cfg, fmt.Errorf("query provider settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var ps conversation.ProviderSettings
		if err := rows.Scan(&kind, &ps.APIKey, &ps.Model); err != nil {
			return cfg, fmt.Errorf("scan provider settings: %w", err)
		}
		cfg.Providers[chat.ProviderKind(kind)] = ps
	}
	return cfg, rows.Err()
}

// SaveConversation inserts a conversation or updates its title and timestamp.
func (p *Persister) SaveConversation(ctx context.Context, c conversation.Conversation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO conversations(id, title, created_at, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		c.ID, c.Title, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// SaveMessage writes the message at position and bumps the conversation.
func (p *Persister) SaveMessage(ctx context.Context, conversationID string, position int, m conversation.Message, updatedAt time.Time) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, updatedAt.UnixNano(), conversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conversation.ErrConversationNotFound
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO messages(conversation_id, position, id, role, content, created_at) VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id, position) DO UPDATE SET id = excluded.id, role = excluded.role, content = excluded.content`,
			conversationID, position, m.ID, string(m.Role), m.Content, m.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a conversation and its messages.
func (p *Persister) DeleteConversation(ctx context.Context, id string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// ClearConversations removes every conversation. Settings are kept.
func (p *Persister) ClearConversations(ctx context.Context) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
			return fmt.Errorf("clear conversations: %w", err)
		}
		return nil
	})
}

// SaveConfig replaces the stored settings.
func (p *Persister) SaveConfig(ctx context.Context, cfg conversation.Config) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range map[string]string{
			settingCurrentProvider:     string(cfg.CurrentProvider),
			settingCurrentConversation: cfg.CurrentConversationID,
		} {
			if _, err := tx.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
				return fmt.Errorf("save setting %s: %w", key, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM provider_settings`); err != nil {
			return fmt.Errorf("reset provider settings: %w", err)
		}
		for kind, ps := range cfg.Providers {
			if _, err := tx.ExecContext(ctx, `INSERT INTO provider_settings(provider, api_key, model) VALUES(?, ?, ?)`,
				string(kind), ps.APIKey, ps.Model); err != nil {
				return fmt.Errorf("save provider settings %s: %w", kind, err)
			}
		}
		return nil
	})
}

func (p *Persister) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
