package models

import (
	"errors"
	"slices"
)

// ProviderID identifies one LLM provider type. The set is fixed at build time.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGoogle    ProviderID = "google"
	ProviderGroq      ProviderID = "groq"
	ProviderOllama    ProviderID = "ollama"
	ProviderBedrock   ProviderID = "bedrock"
)

var providers = []ProviderID{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderGroq,
	ProviderOllama,
	ProviderBedrock,
}

// Providers returns every known provider in display order.
func Providers() []ProviderID {
	return slices.Clone(providers)
}

// Valid reports whether p is a known provider.
func (p ProviderID) Valid() bool {
	return slices.Contains(providers, p)
}

// ErrCredentialUnreadable is returned when a stored credential exists but cannot be opened, such as a secret
// sealed under another passphrase.
var ErrCredentialUnreadable = errors.New("credential cannot be read")

// Sensitive reports whether the provider's credential is a long-lived, high-privilege cloud account token. Such
// credentials are kept only in the secret store, never in plain settings.
func (p ProviderID) Sensitive() bool {
	return p == ProviderBedrock
}

// Anonymous reports whether the provider may be called without a token, as a locally hosted server can.
func (p ProviderID) Anonymous() bool {
	return p == ProviderOllama
}

// ProviderConfig is everything an adapter needs to call one provider. It is resolved once when an invocation
// starts and never re-read while that invocation streams.
type ProviderConfig struct {
	Provider     ProviderID `json:"provider"`
	Enabled      bool       `json:"enabled"`
	URL          string     `json:"url"`
	Token        string     `json:"token,omitempty"`
	Model        string     `json:"model"`
	Temperature  *float32   `json:"temperature,omitempty"`
	TopP         *float32   `json:"topP,omitempty"`
	SystemPrompt string     `json:"systemPrompt"`
	MaxTokens    int        `json:"maxTokens,omitempty"`
}

// Role tags a message in a ChatRequest history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one role-tagged entry of the history sent to a provider.
type ChatMessage struct {
	Role    Role
	Content string

	// Image is an optional inline image as a base64 data URL.
	Image string
}

// ChatRequest is the provider-neutral request an adapter translates into its own wire format.
type ChatRequest struct {
	Messages []ChatMessage
}
