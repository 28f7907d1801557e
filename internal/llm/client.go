// Package llm provides a provider-neutral client for tool-calling chat
// completions and its OpenAI and Anthropic implementations.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolChoice controls whether the model may call tools on a request.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and IsError are set on RoleTool messages carrying a result.
	ToolCallID string `json:"tool_call_id,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Property describes one scalar tool argument.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolSchema is the JSON object schema of a tool's arguments.
type ToolSchema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Tool is a function the model may ask the caller to run.
type Tool struct {
	Name        string
	Description string
	Parameters  ToolSchema
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []Tool
	ToolChoice  ToolChoice
	MaxTokens   int
	Temperature float64
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// WantsTools reports whether the model asked for tool execution.
func (r *CompletionResponse) WantsTools() bool {
	return len(r.ToolCalls) > 0
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ErrMissingAPIKey is returned when a provider is selected without credentials.
var ErrMissingAPIKey = errors.New("llm api key is required")

// Options holds provider-independent client settings.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, opts Options) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(opts)
	case ProviderOpenAI:
		return NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
