package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryPersister keeps state for the lifetime of the process.
type MemoryPersister struct {
	mu    sync.Mutex
	convs []Conversation
	cfg   Config
}

// NewMemoryPersister returns an empty in-process persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (p *MemoryPersister) Load(context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	convs := make([]Conversation, len(p.convs))
	for i, c := range p.convs {
		convs[i] = c.clone()
	}
	return State{Conversations: convs, Config: p.cfg.clone()}, nil
}

func (p *MemoryPersister) SaveConversation(_ context.Context, c Conversation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.find(c.ID); i >= 0 {
		p.convs[i].Title = c.Title
		p.convs[i].UpdatedAt = c.UpdatedAt
		return nil
	}
	p.convs = append(p.convs, c.clone())
	return nil
}

func (p *MemoryPersister) SaveMessage(_ context.Context, conversationID string, position int, m Message, updatedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.find(conversationID)
	if i < 0 {
		return ErrConversationNotFound
	}
	c := &p.convs[i]
	switch {
	case position < len(c.Messages):
		c.Messages[position] = m
	case position == len(c.Messages):
		c.Messages = append(c.Messages, m)
	default:
		return ErrMessageNotFound
	}
	c.UpdatedAt = updatedAt
	return nil
}

func (p *MemoryPersister) DeleteConversation(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.find(id); i >= 0 {
		p.convs = append(p.convs[:i:i], p.convs[i+1:]...)
	}
	return nil
}

func (p *MemoryPersister) ClearConversations(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convs = nil
	return nil
}

func (p *MemoryPersister) SaveConfig(_ context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.clone()
	return nil
}

func (p *MemoryPersister) Close() error { return nil }

func (p *MemoryPersister) find(id string) int {
	for i, c := range p.convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}
