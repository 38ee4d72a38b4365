package conversation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/conversation"
	"github.com/blogchat/chatrelay/internal/conversation/conversationtest"
)

func newStore(t *testing.T) *conversation.Store {
	t.Helper()
	s := conversation.NewStore(conversation.NewMemoryPersister())
	require.NoError(t, s.Load(context.Background()))
	return s
}

func TestMemoryPersister(t *testing.T) {
	p := conversation.NewMemoryPersister()
	conversationtest.Run(t, func(*testing.T) conversation.Persister { return p })
}

func TestCreateConversationBecomesCurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, ok := s.CurrentConversation()
	assert.False(t, ok)

	first, err := s.CreateConversation(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, conversation.DefaultTitle, first.Title)
	assert.NotEmpty(t, first.ID)

	second, err := s.CreateConversation(ctx, "Go questions")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	cur, ok := s.CurrentConversation()
	require.True(t, ok)
	assert.Equal(t, second.ID, cur.ID)

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)
}

func TestDeleteConversationMovesCurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, _ := s.CreateConversation(ctx, "a")
	b, _ := s.CreateConversation(ctx, "b")
	c, _ := s.CreateConversation(ctx, "c")

	require.NoError(t, s.SetCurrentConversation(ctx, b.ID))
	require.NoError(t, s.DeleteConversation(ctx, c.ID))
	cur, _ := s.CurrentConversation()
	assert.Equal(t, b.ID, cur.ID, "deleting another conversation keeps the current one")

	require.NoError(t, s.DeleteConversation(ctx, b.ID))
	cur, _ = s.CurrentConversation()
	assert.Equal(t, a.ID, cur.ID)

	require.NoError(t, s.DeleteConversation(ctx, a.ID))
	_, ok := s.CurrentConversation()
	assert.False(t, ok)

	assert.ErrorIs(t, s.DeleteConversation(ctx, a.ID), conversation.ErrConversationNotFound)
	assert.ErrorIs(t, s.SetCurrentConversation(ctx, "missing"), conversation.ErrConversationNotFound)
}

func TestAppendAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c, err := s.CreateConversation(ctx, "")
	require.NoError(t, err)

	m, err := s.Append(ctx, c.ID, chat.RoleUser, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())

	got, ok := s.Conversation(c.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 1)
	assert.False(t, got.UpdatedAt.Before(c.UpdatedAt))

	require.NoError(t, s.UpdateMessage(ctx, c.ID, m.ID, "hello again"))
	got, _ = s.Conversation(c.ID)
	assert.Equal(t, "hello again", got.Messages[0].Content)

	assert.ErrorIs(t, s.UpdateMessage(ctx, c.ID, "nope", "x"), conversation.ErrMessageNotFound)
	_, err = s.Append(ctx, "missing", chat.RoleUser, "x")
	assert.ErrorIs(t, err, conversation.ErrConversationNotFound)
}

func TestReturnedConversationsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c, _ := s.CreateConversation(ctx, "")
	_, err := s.Append(ctx, c.ID, chat.RoleUser, "original")
	require.NoError(t, err)

	got, _ := s.Conversation(c.ID)
	got.Messages[0].Content = "mutated"

	again, _ := s.Conversation(c.ID)
	assert.Equal(t, "original", again.Messages[0].Content)
}

func TestClearKeepsConfig(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, _ = s.CreateConversation(ctx, "")
	require.NoError(t, s.SetConfig(ctx, map[chat.ProviderKind]conversation.ProviderSettings{
		chat.ProviderDeepSeek: {APIKey: "ds"},
	}))

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Conversations())
	_, ok := s.CurrentConversation()
	assert.False(t, ok)
	ps, ok := s.ProviderSettings(chat.ProviderDeepSeek)
	require.True(t, ok)
	assert.Equal(t, "ds", ps.APIKey)
}

func TestSetConfigMergesPerProvider(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	assert.Equal(t, chat.ProviderDeepSeek, s.CurrentProvider())

	require.NoError(t, s.SetConfig(ctx, map[chat.ProviderKind]conversation.ProviderSettings{
		chat.ProviderOpenAI: {APIKey: " sk-1 ", Model: "gpt-4o"},
	}))
	require.NoError(t, s.SetConfig(ctx, map[chat.ProviderKind]conversation.ProviderSettings{
		chat.ProviderOpenAI:    {APIKey: "sk-2"},
		chat.ProviderAnthropic: {APIKey: "ant"},
	}))

	openai, _ := s.ProviderSettings(chat.ProviderOpenAI)
	assert.Equal(t, conversation.ProviderSettings{APIKey: "sk-2", Model: "gpt-4o"}, openai)
	ant, _ := s.ProviderSettings(chat.ProviderAnthropic)
	assert.Equal(t, "ant", ant.APIKey)
	_, ok := s.ProviderSettings(chat.ProviderGoogle)
	assert.False(t, ok)

	require.NoError(t, s.SetCurrentProvider(ctx, chat.ProviderGoogle))
	assert.Equal(t, chat.ProviderGoogle, s.Config().CurrentProvider)
}

func TestLoadFallsBackToFirstConversation(t *testing.T) {
	ctx := context.Background()
	p := conversation.NewMemoryPersister()
	now := time.Now().UTC()
	require.NoError(t, p.SaveConversation(ctx, conversation.Conversation{ID: "one", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, p.SaveConversation(ctx, conversation.Conversation{ID: "two", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, p.SaveConfig(ctx, conversation.Config{CurrentConversationID: "gone"}))

	s := conversation.NewStore(p)
	require.NoError(t, s.Load(ctx))
	cur, ok := s.CurrentConversation()
	require.True(t, ok)
	assert.Equal(t, "one", cur.ID)
	assert.Equal(t, chat.DefaultProvider, s.CurrentProvider())
}

type failingPersister struct {
	*conversation.MemoryPersister
}

var errDisk = errors.New("disk full")

func (failingPersister) SaveMessage(context.Context, string, int, conversation.Message, time.Time) error {
	return errDisk
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s := conversation.NewStore(failingPersister{conversation.NewMemoryPersister()})
	require.NoError(t, s.Load(ctx))
	c, err := s.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = s.Append(ctx, c.ID, chat.RoleUser, "lost")
	assert.ErrorIs(t, err, errDisk)
	got, _ := s.Conversation(c.ID)
	assert.Empty(t, got.Messages)
}
