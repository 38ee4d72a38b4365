package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/blogchat/chatrelay/internal/adapter"
	"github.com/blogchat/chatrelay/internal/chat"
)

// Ensure LoopbackAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*LoopbackAdapter)(nil)

// Prefix marks every loopback reply.
const Prefix = "[loopback] "

// LoopbackAdapter echoes the last user message back word by word. It needs
// no network access and is used to exercise the relay and its clients offline.
type LoopbackAdapter struct {
	provider chat.ProviderKind
}

// New creates a LoopbackAdapter standing in for provider.
func New(provider chat.ProviderKind) *LoopbackAdapter {
	return &LoopbackAdapter{provider: provider}
}

// CreateCompletionStream streams the echo as separate deltas.
func (a *LoopbackAdapter) CreateCompletionStream(ctx context.Context, req adapter.Request) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("loopback: no messages provided")
	}

	// find last user message; default to final message if none
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == chat.RoleUser {
			message = req.Messages[i]
			break
		}
	}

	deltas := []string{Prefix}
	if a.provider != "" {
		deltas = []string{"[loopback " + string(a.provider) + "] "}
	}
	words := strings.Fields(message.Content)
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		deltas = append(deltas, w)
	}

	ch := make(chan adapter.StreamEvent, len(deltas))
	go func() {
		defer close(ch)
		for _, d := range deltas {
			select {
			case ch <- adapter.StreamEvent{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
