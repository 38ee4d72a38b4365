// Package conversation keeps the consumer side of a chat: the conversations,
// their messages and the per-provider credentials used to relay them.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blogchat/chatrelay/internal/chat"
)

// DefaultTitle names conversations created without a title.
const DefaultTitle = "New conversation"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// Message is a stored chat message.
type Message struct {
	ID        string    `json:"id"`
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is an ordered list of messages with a title.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// History returns the messages in wire form.
func (c Conversation) History() chat.History {
	out := make(chat.History, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, chat.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c Conversation) clone() Conversation {
	c.Messages = append([]Message(nil), c.Messages...)
	return c
}

// ProviderSettings holds what the consumer needs to call one provider.
type ProviderSettings struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model,omitempty"`
}

// Config is the persisted provider configuration.
type Config struct {
	CurrentProvider       chat.ProviderKind                      `json:"currentProvider"`
	CurrentConversationID string                                 `json:"currentConversationId,omitempty"`
	Providers             map[chat.ProviderKind]ProviderSettings `json:"providers"`
}

func (c Config) clone() Config {
	providers := make(map[chat.ProviderKind]ProviderSettings, len(c.Providers))
	for k, v := range c.Providers {
		providers[k] = v
	}
	c.Providers = providers
	return c
}

// State is everything a Persister stores.
type State struct {
	Conversations []Conversation
	Config        Config
}

// Persister saves store mutations. Implementations must keep conversations in
// creation order and messages in append order.
type Persister interface {
	Load(ctx context.Context) (State, error)
	SaveConversation(ctx context.Context, c Conversation) error
	SaveMessage(ctx context.Context, conversationID string, position int, m Message, updatedAt time.Time) error
	DeleteConversation(ctx context.Context, id string) error
	ClearConversations(ctx context.Context) error
	SaveConfig(ctx context.Context, cfg Config) error
	Close() error
}

// Store is the in-memory view of the persisted state. Writes go to the
// Persister first and are applied only when that succeeds.
type Store struct {
	mu            sync.Mutex
	persister     Persister
	conversations []Conversation
	cfg           Config
	now           func() time.Time
	newID         func() string
}

// NewStore wraps p. Call Load before use.
func NewStore(p Persister) *Store {
	return &Store{
		persister: p,
		cfg:       Config{CurrentProvider: chat.DefaultProvider, Providers: map[chat.ProviderKind]ProviderSettings{}},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Load replaces the in-memory state with what the persister holds. A stored
// current conversation that no longer exists falls back to the first one.
func (s *Store) Load(ctx context.Context) error {
	st, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	cfg := st.Config.clone()
	if cfg.CurrentProvider == "" {
		cfg.CurrentProvider = chat.DefaultProvider
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = st.Conversations
	s.cfg = cfg
	if s.index(cfg.CurrentConversationID) < 0 {
		s.cfg.CurrentConversationID = ""
		if len(s.conversations) > 0 {
			s.cfg.CurrentConversationID = s.conversations[0].ID
		}
	}
	return nil
}

// Close releases the persister.
func (s *Store) Close() error {
	return s.persister.Close()
}

// CreateConversation appends a new empty conversation and makes it current.
func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	c := Conversation{ID: s.newID(), Title: title, CreatedAt: now, UpdatedAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persister.SaveConversation(ctx, c); err != nil {
		return Conversation{}, fmt.Errorf("save conversation: %w", err)
	}
	s.conversations = append(s.conversations, c)
	if err := s.setCurrentLocked(ctx, c.ID); err != nil {
		return Conversation{}, err
	}
	return c.clone(), nil
}

// DeleteConversation removes a conversation. Deleting the current one
// selects the first remaining conversation, or none.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return ErrConversationNotFound
	}
	if err := s.persister.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.conversations = append(s.conversations[:idx:idx], s.conversations[idx+1:]...)
	if s.cfg.CurrentConversationID != id {
		return nil
	}
	next := ""
	if len(s.conversations) > 0 {
		next = s.conversations[0].ID
	}
	return s.setCurrentLocked(ctx, next)
}

// SetCurrentConversation selects the conversation new messages go to.
func (s *Store) SetCurrentConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index(id) < 0 {
		return ErrConversationNotFound
	}
	return s.setCurrentLocked(ctx, id)
}

func (s *Store) setCurrentLocked(ctx context.Context, id string) error {
	cfg := s.cfg.clone()
	cfg.CurrentConversationID = id
	if err := s.persister.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.cfg = cfg
	return nil
}

// CurrentConversation returns a copy of the selected conversation.
func (s *Store) CurrentConversation() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(s.cfg.CurrentConversationID)
	if idx < 0 {
		return Conversation{}, false
	}
	return s.conversations[idx].clone(), true
}

// Conversations returns copies of all conversations in creation order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.clone()
	}
	return out
}

// Conversation returns a copy of the conversation with the given id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(id)
	if idx < 0 {
		return Conversation{}, false
	}
	return s.conversations[idx].clone(), true
}

// Append adds a message, assigning its id and timestamp, and bumps the
// conversation's UpdatedAt.
func (s *Store) Append(ctx context.Context, conversationID string, role chat.Role, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(conversationID)
	if idx < 0 {
		return Message{}, ErrConversationNotFound
	}
	now := s.now()
	m := Message{ID: s.newID(), Role: role, Content: content, CreatedAt: now}
	c := &s.conversations[idx]
	if err := s.persister.SaveMessage(ctx, c.ID, len(c.Messages), m, now); err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = now
	return m, nil
}

// UpdateMessage replaces a message's content.
func (s *Store) UpdateMessage(ctx context.Context, conversationID, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(conversationID)
	if idx < 0 {
		return ErrConversationNotFound
	}
	c := &s.conversations[idx]
	for i := range c.Messages {
		if c.Messages[i].ID != messageID {
			continue
		}
		m := c.Messages[i]
		m.Content = content
		now := s.now()
		if err := s.persister.SaveMessage(ctx, c.ID, i, m, now); err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		c.Messages[i] = m
		c.UpdatedAt = now
		return nil
	}
	return ErrMessageNotFound
}

// Clear removes every conversation. Provider settings are kept.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persister.ClearConversations(ctx); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	s.conversations = nil
	return s.setCurrentLocked(ctx, "")
}

// SetConfig merges settings into the stored ones provider by provider.
// Empty fields leave the stored value unchanged.
func (s *Store) SetConfig(ctx context.Context, settings map[chat.ProviderKind]ProviderSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg.clone()
	for kind, in := range settings {
		cur := cfg.Providers[kind]
		if key := strings.TrimSpace(in.APIKey); key != "" {
			cur.APIKey = key
		}
		if model := strings.TrimSpace(in.Model); model != "" {
			cur.Model = model
		}
		cfg.Providers[kind] = cur
	}
	if err := s.persister.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.cfg = cfg
	return nil
}

// Config returns a copy of the provider configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.clone()
}

// SetCurrentProvider selects the provider used for new turns.
func (s *Store) SetCurrentProvider(ctx context.Context, kind chat.ProviderKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg.clone()
	cfg.CurrentProvider = kind
	if err := s.persister.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.cfg = cfg
	return nil
}

// CurrentProvider returns the selected provider.
func (s *Store) CurrentProvider() chat.ProviderKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CurrentProvider
}

// ProviderSettings returns the stored settings for kind.
func (s *Store) ProviderSettings(kind chat.ProviderKind) (ProviderSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.cfg.Providers[kind]
	return ps, ok
}

func (s *Store) index(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}
