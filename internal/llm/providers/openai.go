package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zentech/yunzhi/internal/llm"
)

// OpenAIHandler implements the ApiHandler interface using the official OpenAI Go SDK
type OpenAIHandler struct {
	options llm.ApiHandlerOptions
	client  *openai.Client
}

// NewOpenAIHandler creates a new OpenAI handler using the official SDK
func NewOpenAIHandler(options llm.ApiHandlerOptions) *OpenAIHandler {
	opts := []option.RequestOption{option.WithAPIKey(options.APIKey), option.WithMaxRetries(0)}
	if options.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(options.OpenAIBaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIHandler{
		options: options,
		client:  &client,
	}
}

func (h *OpenAIHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:      4096,
			ContextWindow:  128000,
			SupportsImages: true,
			Description:    "OpenAI model",
		},
	}
}

// CreateMessage sends a message to OpenAI and returns a streaming response
func (h *OpenAIHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []llm.Message) (llm.ApiStream, error) {
	params := openai.ChatCompletionNewParams{
		Messages: ConvertToOpenAIMessages(systemPrompt, messages),
		Model:    stripProviderPrefix(h.options.ModelID),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if h.options.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(h.options.MaxOutputTokens))
	}
	if h.options.Temperature != nil {
		params.Temperature = openai.Float(float64(*h.options.Temperature))
	}

	stream := h.client.Chat.Completions.NewStreaming(ctx, params)

	// A rejected request fails before the first event.
	primed := stream.Next()
	if !primed && stream.Err() != nil {
		err := stream.Err()
		stream.Close()
		return nil, statusError(fmt.Errorf("openai stream: %w", err))
	}

	outputChan := make(chan llm.ApiStreamChunk, 100)

	go func() {
		defer close(outputChan)
		defer stream.Close()

		var usage llm.ApiStreamUsageChunk
		for ok := primed; ok; ok = stream.Next() {
			evt := stream.Current()
			if evt.Usage.TotalTokens > 0 {
				usage.InputTokens = int(evt.Usage.PromptTokens)
				usage.OutputTokens = int(evt.Usage.CompletionTokens)
			}
			if len(evt.Choices) == 0 {
				continue
			}
			if content := evt.Choices[0].Delta.Content; content != "" {
				if !llm.Emit(ctx, outputChan, llm.ApiStreamTextChunk{Text: content}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			llm.Emit(ctx, outputChan, llm.ApiStreamErrorChunk{Err: fmt.Errorf("openai stream: %w", err)})
			return
		}
		llm.Emit(ctx, outputChan, usage)
	}()

	return outputChan, nil
}

// ConvertToOpenAIMessages maps turns onto chat completion messages. Image
// attachments become image_url parts carrying a data URL; other inline data
// is described in a text part since chat completions cannot carry it.
func ConvertToOpenAIMessages(systemPrompt string, messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}

	for _, msg := range messages {
		if msg.Role == llm.RoleAssistant {
			out = append(out, openai.AssistantMessage(msg.Text()))
			continue
		}

		inline, hasInline := msg.Inline()
		if !hasInline {
			out = append(out, openai.UserMessage(msg.Text()))
			continue
		}

		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, 2)
		if inline.IsImage() {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: inline.DataURL(),
			}))
		} else {
			parts = append(parts, openai.TextContentPart(attachmentNote(inline)))
		}
		if text := msg.Text(); text != "" {
			parts = append(parts, openai.TextContentPart(text))
		}
		out = append(out, openai.UserMessage(parts))
	}
	return out
}
