// Package conversationtest holds checks shared by every conversation.Persister.
package conversationtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/conversation"
)

// Opener returns a persister backed by the same storage on every call, so
// reopening shows what was durably written.
type Opener func(t *testing.T) conversation.Persister

// Run exercises open through a Store and checks the state survives a reopen.
func Run(t *testing.T, open Opener) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("EmptyLoad", func(t *testing.T) {
		st, err := open(t).Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, st.Conversations)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.SaveConversation(ctx, conversation.Conversation{ID: "c1", Title: "first", CreatedAt: base, UpdatedAt: base}))
		require.NoError(t, p.SaveConversation(ctx, conversation.Conversation{ID: "c2", Title: "second", CreatedAt: base, UpdatedAt: base}))

		later := base.Add(time.Minute)
		msgs := []conversation.Message{
			{ID: "m1", Role: chat.RoleUser, Content: "hi", CreatedAt: base},
			{ID: "m2", Role: chat.RoleAssistant, Content: "hello\nthere", CreatedAt: later},
		}
		for i, m := range msgs {
			require.NoError(t, p.SaveMessage(ctx, "c1", i, m, m.CreatedAt))
		}
		edited := msgs[1]
		edited.Content = "edited"
		require.NoError(t, p.SaveMessage(ctx, "c1", 1, edited, later.Add(time.Minute)))

		cfg := conversation.Config{
			CurrentProvider:       chat.ProviderOpenAI,
			CurrentConversationID: "c1",
			Providers: map[chat.ProviderKind]conversation.ProviderSettings{
				chat.ProviderOpenAI:   {APIKey: "sk-1", Model: "gpt-4o"},
				chat.ProviderDeepSeek: {APIKey: "ds-1"},
			},
		}
		require.NoError(t, p.SaveConfig(ctx, cfg))
		require.NoError(t, p.Close())

		st, err := open(t).Load(ctx)
		require.NoError(t, err)
		require.Len(t, st.Conversations, 2)
		assert.Equal(t, "c1", st.Conversations[0].ID)
		assert.Equal(t, "c2", st.Conversations[1].ID)

		c1 := st.Conversations[0]
		assert.Equal(t, "first", c1.Title)
		assert.True(t, c1.UpdatedAt.Equal(later.Add(time.Minute)), "updated_at %v", c1.UpdatedAt)
		require.Len(t, c1.Messages, 2)
		assert.Equal(t, "m1", c1.Messages[0].ID)
		assert.Equal(t, chat.RoleUser, c1.Messages[0].Role)
		assert.Equal(t, "edited", c1.Messages[1].Content)
		assert.True(t, c1.Messages[1].CreatedAt.Equal(later))
		assert.Empty(t, st.Conversations[1].Messages)

		assert.Equal(t, chat.ProviderOpenAI, st.Config.CurrentProvider)
		assert.Equal(t, "c1", st.Config.CurrentConversationID)
		assert.Equal(t, cfg.Providers, st.Config.Providers)
	})

	t.Run("DeleteAndClear", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.ClearConversations(ctx))
		for _, id := range []string{"a", "b"} {
			require.NoError(t, p.SaveConversation(ctx, conversation.Conversation{ID: id, Title: id, CreatedAt: base, UpdatedAt: base}))
			require.NoError(t, p.SaveMessage(ctx, id, 0, conversation.Message{ID: id + "-m", Role: chat.RoleUser, Content: id, CreatedAt: base}, base))
		}
		require.NoError(t, p.DeleteConversation(ctx, "a"))

		st, err := p.Load(ctx)
		require.NoError(t, err)
		require.Len(t, st.Conversations, 1)
		assert.Equal(t, "b", st.Conversations[0].ID)
		require.Len(t, st.Conversations[0].Messages, 1)

		require.NoError(t, p.ClearConversations(ctx))
		st, err = p.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, st.Conversations)
	})

	t.Run("Store", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.ClearConversations(ctx))
		store := conversation.NewStore(p)
		require.NoError(t, store.Load(ctx))

		c, err := store.CreateConversation(ctx, "")
		require.NoError(t, err)
		_, err = store.Append(ctx, c.ID, chat.RoleUser, "ping")
		require.NoError(t, err)
		_, err = store.Append(ctx, c.ID, chat.RoleAssistant, "pong")
		require.NoError(t, err)
		require.NoError(t, store.SetCurrentProvider(ctx, chat.ProviderAnthropic))
		require.NoError(t, store.Close())

		reopened := conversation.NewStore(open(t))
		require.NoError(t, reopened.Load(ctx))
		cur, ok := reopened.CurrentConversation()
		require.True(t, ok)
		assert.Equal(t, c.ID, cur.ID)
		assert.Equal(t, conversation.DefaultTitle, cur.Title)
		assert.Equal(t, chat.History{
			{Role: chat.RoleUser, Content: "ping"},
			{Role: chat.RoleAssistant, Content: "pong"},
		}, cur.History())
		assert.Equal(t, chat.ProviderAnthropic, reopened.CurrentProvider())
	})
}
