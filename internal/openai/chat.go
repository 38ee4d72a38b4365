package openai

// ChatCompletionRequest captures the subset of the chat completions request the relay sends.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema (plain text only).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorEnvelope is the error body returned by OpenAI-compatible APIs.
type ErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}
