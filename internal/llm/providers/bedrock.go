package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/zentech/yunzhi/internal/llm"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockHandler streams Anthropic models hosted on AWS Bedrock.
type BedrockHandler struct {
	options llm.ApiHandlerOptions
	region  string

	mu     sync.Mutex
	client *bedrockruntime.Client
}

// NewBedrockHandler creates a new Bedrock handler. AWS configuration is
// loaded on the first request.
func NewBedrockHandler(options llm.ApiHandlerOptions) *BedrockHandler {
	region := options.AWSRegion
	if region == "" {
		region = "us-east-1"
	}

	return &BedrockHandler{
		options: options,
		region:  region,
	}
}

func (h *BedrockHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:      defaultAnthropicMaxTokens,
			ContextWindow:  200000,
			SupportsImages: true,
			Description:    "Anthropic model on AWS Bedrock",
		},
	}
}

func (h *BedrockHandler) getClient(ctx context.Context) (*bedrockruntime.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(h.region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if h.options.AWSAccessKey != "" && h.options.AWSSecretKey != "" {
		cfg.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     h.options.AWSAccessKey,
				SecretAccessKey: h.options.AWSSecretKey,
				SessionToken:    h.options.AWSSessionToken,
			}, nil
		}))
	}

	h.client = bedrockruntime.NewFromConfig(cfg)
	return h.client, nil
}

// CreateMessage sends a message to Bedrock and returns a streaming response
func (h *BedrockHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []llm.Message) (llm.ApiStream, error) {
	body, err := BuildBedrockAnthropicBody(systemPrompt, messages, h.options.MaxOutputTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	client, err := h.getClient(ctx)
	if err != nil {
		return nil, err
	}

	output, err := client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(strings.TrimPrefix(h.options.ModelID, "bedrock/")),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, statusError(fmt.Errorf("failed to invoke bedrock model: %w", err))
	}

	responseChan := make(chan llm.ApiStreamChunk, 100)

	go func() {
		defer close(responseChan)

		stream := output.GetStream()
		defer stream.Close()

		var usage llm.ApiStreamUsageChunk
		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			text, in, out := parseBedrockAnthropicChunk(chunk.Value.Bytes)
			if in > 0 {
				usage.InputTokens = in
			}
			if out > 0 {
				usage.OutputTokens = out
			}
			if text != "" && !llm.Emit(ctx, responseChan, llm.ApiStreamTextChunk{Text: text}) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			llm.Emit(ctx, responseChan, llm.ApiStreamErrorChunk{Err: fmt.Errorf("bedrock stream: %w", err)})
			return
		}
		llm.Emit(ctx, responseChan, usage)
	}()

	return responseChan, nil
}

type bedrockContent struct {
	Type   string              `json:"type"`
	Text   string              `json:"text,omitempty"`
	Source *bedrockImageSource `json:"source,omitempty"`
}

type bedrockImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type bedrockMessage struct {
	Role    string           `json:"role"`
	Content []bedrockContent `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

// BuildBedrockAnthropicBody renders the Anthropic messages body used by
// Claude models on Bedrock.
func BuildBedrockAnthropicBody(systemPrompt string, messages []llm.Message, maxTokens int) ([]byte, error) {
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	req := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		System:           systemPrompt,
	}

	for _, msg := range messages {
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "assistant"
		}

		var content []bedrockContent
		for _, block := range msg.Content {
			switch b := block.(type) {
			case llm.TextBlock:
				content = append(content, bedrockContent{Type: "text", Text: b.Text})
			case llm.InlineDataBlock:
				if b.IsImage() {
					content = append(content, bedrockContent{
						Type:   "image",
						Source: &bedrockImageSource{Type: "base64", MediaType: b.MimeType, Data: b.Data},
					})
				} else {
					content = append(content, bedrockContent{Type: "text", Text: attachmentNote(b)})
				}
			}
		}
		req.Messages = append(req.Messages, bedrockMessage{Role: role, Content: content})
	}

	return json.Marshal(req)
}

func parseBedrockAnthropicChunk(data []byte) (text string, inputTokens, outputTokens int) {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
		Message struct {
			Usage struct {
				InputTokens int `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return "", 0, 0
	}

	switch event.Type {
	case "message_start":
		return "", event.Message.Usage.InputTokens, 0
	case "content_block_delta":
		return event.Delta.Text, 0, 0
	case "message_delta":
		return "", 0, event.Usage.OutputTokens
	}
	return "", 0, 0
}
