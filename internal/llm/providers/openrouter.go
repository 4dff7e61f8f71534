package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	openrouter "github.com/revrost/go-openrouter"
	"github.com/zentech/yunzhi/internal/llm"
)

// OpenRouterHandler implements the ApiHandler interface using the OpenRouter Go SDK
type OpenRouterHandler struct {
	options llm.ApiHandlerOptions
	client  *openrouter.Client
}

// NewOpenRouterHandler creates a new OpenRouter handler
func NewOpenRouterHandler(options llm.ApiHandlerOptions) *OpenRouterHandler {
	return &OpenRouterHandler{
		options: options,
		client:  openrouter.NewClient(options.APIKey),
	}
}

func (h *OpenRouterHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:      4096,
			ContextWindow:  128000,
			SupportsImages: true,
			Description:    "OpenRouter model",
		},
	}
}

// CreateMessage sends a message to OpenRouter and returns a streaming response
func (h *OpenRouterHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []llm.Message) (llm.ApiStream, error) {
	request := openrouter.ChatCompletionRequest{
		Model:    h.options.ModelID,
		Messages: ConvertToOpenRouterMessages(systemPrompt, messages),
		Stream:   true,
	}
	if h.options.MaxOutputTokens > 0 {
		request.MaxTokens = h.options.MaxOutputTokens
	}

	stream, err := h.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, statusError(fmt.Errorf("failed to create chat completion stream: %w", err))
	}

	outputChan := make(chan llm.ApiStreamChunk, 100)

	go func() {
		defer close(outputChan)
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				llm.Emit(ctx, outputChan, llm.ApiStreamErrorChunk{Err: fmt.Errorf("openrouter stream: %w", err)})
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if content := response.Choices[0].Delta.Content; content != "" {
				if !llm.Emit(ctx, outputChan, llm.ApiStreamTextChunk{Text: content}) {
					return
				}
			}
		}

		llm.Emit(ctx, outputChan, llm.ApiStreamUsageChunk{})
	}()

	return outputChan, nil
}

// ConvertToOpenRouterMessages maps turns onto OpenRouter chat messages.
func ConvertToOpenRouterMessages(systemPrompt string, messages []llm.Message) []openrouter.ChatCompletionMessage {
	out := make([]openrouter.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openrouter.ChatCompletionMessage{
			Role:    openrouter.ChatMessageRoleSystem,
			Content: openrouter.Content{Text: systemPrompt},
		})
	}

	for _, msg := range messages {
		if msg.Role == llm.RoleAssistant {
			out = append(out, openrouter.ChatCompletionMessage{
				Role:    openrouter.ChatMessageRoleAssistant,
				Content: openrouter.Content{Text: msg.Text()},
			})
			continue
		}

		inline, ok := msg.Inline()
		if !ok {
			out = append(out, openrouter.ChatCompletionMessage{
				Role:    openrouter.ChatMessageRoleUser,
				Content: openrouter.Content{Text: msg.Text()},
			})
			continue
		}

		var parts []openrouter.ChatMessagePart
		if inline.IsImage() {
			parts = append(parts, openrouter.ChatMessagePart{
				Type:     openrouter.ChatMessagePartTypeImageURL,
				ImageURL: &openrouter.ChatMessageImageURL{URL: inline.DataURL()},
			})
		} else {
			parts = append(parts, openrouter.ChatMessagePart{
				Type: openrouter.ChatMessagePartTypeText,
				Text: attachmentNote(inline),
			})
		}
		if text := msg.Text(); text != "" {
			parts = append(parts, openrouter.ChatMessagePart{Type: openrouter.ChatMessagePartTypeText, Text: text})
		}
		out = append(out, openrouter.ChatCompletionMessage{
			Role:    openrouter.ChatMessageRoleUser,
			Content: openrouter.Content{Multi: parts},
		})
	}
	return out
}
