package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/conversation"
)

// Persister implements conversation.Persister backed by PostgreSQL.
type Persister struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed persister using the provided DSN.
func New(dsn string) (*Persister, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := &Persister{db: db}
	if err := p.initSchema(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Persister) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS chat_conversations (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	conversation_id TEXT NOT NULL REFERENCES chat_conversations(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, position)
);
CREATE TABLE IF NOT EXISTS chat_settings (
	id SMALLINT PRIMARY KEY CHECK(id = 1),
	current_provider TEXT NOT NULL DEFAULT '',
	current_conversation TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chat_provider_settings (
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

// Load reads every conversation, then their messages in a single query.
func (p *Persister) Load(ctx context.Context) (conversation.State, error) {
	var st conversation.State
	rows, err := p.db.QueryContext(ctx, `SELECT id, title, created_at, updated_at FROM chat_conversations ORDER BY created_at, seq`)
	if err != nil {
		return st, fmt.Errorf("query conversations: %w", err)
	}
	index := map[string]int{}
	var ids []string
	for rows.Next() {
		var c conversation.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
		index[c.ID] = len(st.Conversations)
		ids = append(ids, c.ID)
		st.Conversations = append(st.Conversations, c)
	}
	if err := rows.Close(); err != nil {
		return st, err
	}

	if len(ids) > 0 {
		rows, err = p.db.QueryContext(ctx, `SELECT conversation_id, id, role, content, created_at FROM chat_messages
WHERE conversation_id = ANY($1) ORDER BY conversation_id, position`, pq.Array(ids))
		if err != nil {
			return st, fmt.Errorf("query messages: %w", err)
		}
		for rows.Next() {
			var convID string
			var m conversation.Message
			if err := rows.Scan(&convID, &m.ID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
				rows.Close()
				return st, fmt.Errorf("scan message: %w", err)
			}
			m.CreatedAt = m.CreatedAt.UTC()
			if i, ok := index[convID]; ok {
				st.Conversations[i].Messages = append(st.Conversations[i].Messages, m)
			}
		}
		if err := rows.Close(); err != nil {
			return st, err
		}
	}

	st.Config, err = p.loadConfig(ctx)
	return st, err
}

func (p *Persister) loadConfig(ctx context.Context) (conversation.Config, error) {
	cfg := conversation.Config{Providers: map[chat.ProviderKind]conversation.ProviderSettings{}}
	var current string
	err := p.db.QueryRowContext(ctx, `SELECT current_provider, current_conversation FROM chat_settings WHERE id = 1`).
		Scan(&current, &cfg.CurrentConversationID)
	if err != nil && err != sql.ErrNoRows {
		return cfg, fmt.Errorf("query settings: %w", err)
	}
	cfg.CurrentProvider = chat.ProviderKind(current)

	rows, err := p.db.QueryContext(ctx, `SELECT provider, api_key, model FROM chat_provider_settings`)
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
	_, err := p.db.ExecContext(ctx, `INSERT INTO chat_conversations(id, title, created_at, updated_at) VALUES($1, $2, $3, $4)
ON CONFLICT(id) DO UPDATE SET title = EXCLUDED.title, updated_at = EXCLUDED.updated_at`,
		c.ID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// SaveMessage writes the message at position and bumps the conversation.
func (p *Persister) SaveMessage(ctx context.Context, conversationID string, position int, m conversation.Message, updatedAt time.Time) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chat_conversations SET updated_at = $1 WHERE id = $2`, updatedAt, conversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conversation.ErrConversationNotFound
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO chat_messages(conversation_id, position, id, role, content, created_at) VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT(conversation_id, position) DO UPDATE SET id = EXCLUDED.id, role = EXCLUDED.role, content = EXCLUDED.content`,
			conversationID, position, m.ID, string(m.Role), m.Content, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a conversation; its messages cascade.
func (p *Persister) DeleteConversation(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM chat_conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ClearConversations removes every conversation. Settings are kept.
func (p *Persister) ClearConversations(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM chat_conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	return nil
}

// SaveConfig replaces the stored settings.
func (p *Persister) SaveConfig(ctx context.Context, cfg conversation.Config) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_settings(id, current_provider, current_conversation) VALUES(1, $1, $2)
ON CONFLICT(id) DO UPDATE SET current_provider = EXCLUDED.current_provider, current_conversation = EXCLUDED.current_conversation`,
			string(cfg.CurrentProvider), cfg.CurrentConversationID); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_provider_settings`); err != nil {
			return fmt.Errorf("reset provider settings: %w", err)
		}
		for kind, ps := range cfg.Providers {
			if _, err := tx.ExecContext(ctx, `INSERT INTO chat_provider_settings(provider, api_key, model) VALUES($1, $2, $3)`,
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
