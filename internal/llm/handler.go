package llm

import (
	"context"
	"time"
)

// Message represents one conversation turn sent to a completion provider.
type Message struct {
	Role    string         `json:"role"` // "user", "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock represents different types of content in a message
type ContentBlock interface {
	Type() string
}

// TextBlock represents text content
type TextBlock struct {
	Text string `json:"text"`
}

func (t TextBlock) Type() string { return "text" }

// InlineDataBlock carries binary content inline with the turn.
// Data is base64 encoded.
type InlineDataBlock struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func (i InlineDataBlock) Type() string { return "inline_data" }

// IsImage reports whether the block holds an image payload.
func (i InlineDataBlock) IsImage() bool {
	return len(i.MimeType) > 6 && i.MimeType[:6] == "image/"
}

// DataURL renders the block as an RFC 2397 data URL.
func (i InlineDataBlock) DataURL() string {
	return "data:" + i.MimeType + ";base64," + i.Data
}

// NewUserMessage builds a user turn from its parts, inline data first.
func NewUserMessage(text string, inline *InlineDataBlock) Message {
	var blocks []ContentBlock
	if inline != nil {
		blocks = append(blocks, *inline)
	}
	if text != "" {
		blocks = append(blocks, TextBlock{Text: text})
	}
	return Message{Role: RoleUser, Content: blocks}
}

// NewAssistantMessage builds an assistant turn holding text only.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock{Text: text}}}
}

// Text concatenates every text block of the message.
func (m Message) Text() string {
	var out string
	for _, block := range m.Content {
		if tb, ok := block.(TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// Inline returns the first inline data block, if any.
func (m Message) Inline() (InlineDataBlock, bool) {
	for _, block := range m.Content {
		if ib, ok := block.(InlineDataBlock); ok {
			return ib, true
		}
	}
	return InlineDataBlock{}, false
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModelInfo represents model capabilities
type ModelInfo struct {
	MaxTokens      int    `json:"maxTokens"`
	ContextWindow  int    `json:"contextWindow"`
	SupportsImages bool   `json:"supportsImages"`
	Description    string `json:"description,omitempty"`
}

// ApiHandler represents the core interface for LLM providers
type ApiHandler interface {
	// CreateMessage sends a message and returns a streaming response
	CreateMessage(ctx context.Context, systemPrompt string, messages []Message) (ApiStream, error)

	// GetModel returns the model ID and info for the current configuration
	GetModel() ModelResponse
}

// ModelResponse represents a model ID and its information
type ModelResponse struct {
	ID   string    `json:"id"`
	Info ModelInfo `json:"info"`
}

// ApiHandlerOptions represents configuration options for API handlers
type ApiHandlerOptions struct {
	// Core configuration
	APIKey   string       `json:"apiKey"`
	ModelID  string       `json:"modelId"`
	Provider ProviderType `json:"provider,omitempty"`

	// Provider-specific URLs
	OpenAIBaseURL    string `json:"openAiBaseUrl,omitempty"`
	AnthropicBaseURL string `json:"anthropicBaseUrl,omitempty"`

	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`

	// AWS Bedrock-specific
	AWSAccessKey    string `json:"awsAccessKey,omitempty"`
	AWSSecretKey    string `json:"awsSecretKey,omitempty"`
	AWSSessionToken string `json:"awsSessionToken,omitempty"`
	AWSRegion       string `json:"awsRegion,omitempty"`

	// OpenRouter app identification headers
	HTTPReferer string `json:"httpReferer,omitempty"`
	XTitle      string `json:"xTitle,omitempty"`

	// Retry is applied when the stream cannot be opened.
	Retry *RetryOptions `json:"-"`
}

// RetryOptions represents configuration for retry behavior
type RetryOptions struct {
	MaxRetries     int           `json:"maxRetries"`
	BaseDelay      time.Duration `json:"baseDelay"`
	MaxDelay       time.Duration `json:"maxDelay"`
	RetryAllErrors bool          `json:"retryAllErrors"`
}

// DefaultRetryOptions provides sensible defaults for retry behavior
var DefaultRetryOptions = RetryOptions{
	MaxRetries:     3,
	BaseDelay:      1 * time.Second,
	MaxDelay:       10 * time.Second,
	RetryAllErrors: false,
}

// ProviderType represents different LLM provider types
type ProviderType string

const (
	ProviderGemini     ProviderType = "gemini"
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderBedrock    ProviderType = "bedrock"
)
