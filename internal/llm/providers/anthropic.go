package providers

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zentech/yunzhi/internal/llm"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicHandler implements the ApiHandler interface using the official Anthropic SDK
type AnthropicHandler struct {
	options llm.ApiHandlerOptions
	client  *anthropic.Client
}

// NewAnthropicHandler creates a new Anthropic handler using the official SDK
func NewAnthropicHandler(options llm.ApiHandlerOptions) *AnthropicHandler {
	opts := []option.RequestOption{option.WithAPIKey(options.APIKey), option.WithMaxRetries(0)}
	if options.AnthropicBaseURL != "" {
		opts = append(opts, option.WithBaseURL(options.AnthropicBaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicHandler{
		options: options,
		client:  &client,
	}
}

func (h *AnthropicHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:      defaultAnthropicMaxTokens,
			ContextWindow:  200000,
			SupportsImages: true,
			Description:    "Anthropic Claude model",
		},
	}
}

// CreateMessage sends a message to Anthropic and returns a streaming response
func (h *AnthropicHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []llm.Message) (llm.ApiStream, error) {
	maxTokens := int64(defaultAnthropicMaxTokens)
	if h.options.MaxOutputTokens > 0 {
		maxTokens = int64(h.options.MaxOutputTokens)
	}

	params := anthropic.MessageNewParams{
		MaxTokens: maxTokens,
		Messages:  ConvertToAnthropicMessages(messages),
		Model:     anthropic.Model(stripProviderPrefix(h.options.ModelID)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if h.options.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*h.options.Temperature))
	}

	stream := h.client.Messages.NewStreaming(ctx, params)

	primed := stream.Next()
	if !primed && stream.Err() != nil {
		err := stream.Err()
		stream.Close()
		return nil, statusError(fmt.Errorf("anthropic stream: %w", err))
	}

	outputChan := make(chan llm.ApiStreamChunk, 100)

	go func() {
		defer close(outputChan)
		defer stream.Close()

		var usage llm.ApiStreamUsageChunk
		for ok := primed; ok; ok = stream.Next() {
			event := stream.Current()

			switch eventVariant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(eventVariant.Message.Usage.InputTokens)
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !llm.Emit(ctx, outputChan, llm.ApiStreamTextChunk{Text: delta.Text}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(eventVariant.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			llm.Emit(ctx, outputChan, llm.ApiStreamErrorChunk{Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}
		llm.Emit(ctx, outputChan, usage)
	}()

	return outputChan, nil
}

// ConvertToAnthropicMessages maps turns onto Anthropic message params.
func ConvertToAnthropicMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Text())))
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if inline, ok := msg.Inline(); ok {
			if inline.IsImage() {
				blocks = append(blocks, anthropic.NewImageBlockBase64(inline.MimeType, inline.Data))
			} else {
				blocks = append(blocks, anthropic.NewTextBlock(attachmentNote(inline)))
			}
		}
		if text := msg.Text(); text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(text))
		}
		out = append(out, anthropic.NewUserMessage(blocks...))
	}
	return out
}
