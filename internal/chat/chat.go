// Package chat holds the provider-neutral conversation types shared by the
// relay, the provider adapters and the stream consumer.
package chat

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is a single role/content pair as it travels over the wire.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is the ordered conversation sent in full on every relay call.
type History []Message

// ProviderKind selects one of the supported upstream providers.
type ProviderKind string

const (
	ProviderDeepSeek  ProviderKind = "deepseek"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGoogle    ProviderKind = "google"
)

// DefaultProvider is the provider selected before the user picks one.
const DefaultProvider = ProviderDeepSeek

// ProviderKinds lists the supported providers in display order.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{ProviderDeepSeek, ProviderOpenAI, ProviderAnthropic, ProviderGoogle}
}

// ParseProviderKind normalises s and checks it against the known kinds.
func ParseProviderKind(s string) (ProviderKind, error) {
	kind := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range ProviderKinds() {
		if k == kind {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Request is the relay request body.
type Request struct {
	Messages History      `json:"messages"`
	Provider ProviderKind `json:"provider"`
	APIKey   string       `json:"apiKey"`
	Model    string       `json:"model,omitempty"`
}

// ErrorResponse is the JSON body returned for rejected or failed relay calls.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RedactKey keeps only the last four characters of a credential for logs.
func RedactKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
