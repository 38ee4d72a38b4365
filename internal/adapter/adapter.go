package adapter

import (
	"context"

	"github.com/blogchat/chatrelay/internal/chat"
)

// Request is the provider-neutral input to a token stream.
type Request struct {
	Model    string
	Messages chat.History
}

// StreamEvent carries either a text delta or a terminal error.
type StreamEvent struct {
	Delta string
	Error error
}

// IsError reports whether the event terminates the stream with an error.
func (e StreamEvent) IsError() bool {
	return e.Error != nil
}

// StreamingChatAdapter opens a token stream against an upstream provider.
// A non-nil error means the stream could not be started. Otherwise the
// returned channel yields deltas in arrival order and is closed when the
// upstream finishes; at most one error event is sent, immediately before close.
type StreamingChatAdapter interface {
	CreateCompletionStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
