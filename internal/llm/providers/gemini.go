package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"sync"

	"github.com/zentech/yunzhi/internal/llm"
	"google.golang.org/genai"
)

// GeminiHandler implements the ApiHandler interface using the official Google GenAI SDK
type GeminiHandler struct {
	options llm.ApiHandlerOptions

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiHandler creates a new Gemini handler. The client is created lazily
// on the first request.
func NewGeminiHandler(options llm.ApiHandlerOptions) *GeminiHandler {
	return &GeminiHandler{options: options}
}

func (h *GeminiHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:      8192,
			ContextWindow:  1048576,
			SupportsImages: true,
			Description:    "Google Gemini model",
		},
	}
}

func (h *GeminiHandler) getClient(ctx context.Context) (*genai.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  h.options.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	h.client = client
	return client, nil
}

// CreateMessage sends a message to Gemini and returns a streaming response
func (h *GeminiHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []llm.Message) (llm.ApiStream, error) {
	contents, err := ConvertToGeminiContents(messages)
	if err != nil {
		return nil, err
	}

	client, err := h.getClient(ctx)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{}
	if h.options.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(h.options.MaxOutputTokens)
	}
	if h.options.Temperature != nil {
		config.Temperature = genai.Ptr(*h.options.Temperature)
	}
	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, h.options.ModelID, contents, config))

	first, firstErr, ok := next()
	if ok && firstErr != nil {
		stop()
		return nil, statusError(fmt.Errorf("gemini stream: %w", firstErr))
	}

	responseChan := make(chan llm.ApiStreamChunk, 100)

	go func() {
		defer close(responseChan)
		defer stop()

		var usage llm.ApiStreamUsageChunk
		for result, err, more := first, firstErr, ok; more; result, err, more = next() {
			if err != nil {
				llm.Emit(ctx, responseChan, llm.ApiStreamErrorChunk{Err: fmt.Errorf("gemini stream: %w", err)})
				return
			}

			if result.UsageMetadata != nil {
				usage.InputTokens = int(result.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
			}

			if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
				continue
			}
			for _, part := range result.Candidates[0].Content.Parts {
				if part.Text == "" || part.Thought {
					continue
				}
				if !llm.Emit(ctx, responseChan, llm.ApiStreamTextChunk{Text: part.Text}) {
					return
				}
			}
		}

		llm.Emit(ctx, responseChan, usage)
	}()

	return responseChan, nil
}

// ConvertToGeminiContents maps turns onto Gemini contents. Inline data is
// decoded from base64 into a blob part and keeps its position ahead of text.
func ConvertToGeminiContents(messages []llm.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		var parts []*genai.Part
		for _, block := range msg.Content {
			switch b := block.(type) {
			case llm.TextBlock:
				parts = append(parts, &genai.Part{Text: b.Text})
			case llm.InlineDataBlock:
				data, err := base64.StdEncoding.DecodeString(b.Data)
				if err != nil {
					return nil, fmt.Errorf("failed to decode inline data: %w", err)
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: b.MimeType, Data: data}})
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}

		contents = append(contents, &genai.Content{Parts: parts, Role: role})
	}
	return contents, nil
}
