package providers

import (
	"fmt"
	"strings"

	"github.com/zentech/yunzhi/internal/llm"
)

// BuildApiHandler creates an API handler based on the provider type
func BuildApiHandler(options llm.ApiHandlerOptions) (llm.ApiHandler, error) {
	providerType, err := determineProviderType(options)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider type: %w", err)
	}

	var handler llm.ApiHandler
	switch providerType {
	case llm.ProviderGemini:
		handler = NewGeminiHandler(options)
	case llm.ProviderOpenAI:
		handler = NewOpenAIHandler(options)
	case llm.ProviderAnthropic:
		handler = NewAnthropicHandler(options)
	case llm.ProviderOpenRouter:
		handler = NewOpenRouterHandler(options)
	case llm.ProviderBedrock:
		handler = NewBedrockHandler(options)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}

	if options.Retry != nil && options.Retry.MaxRetries > 1 {
		handler = llm.NewRetryHandler(*options.Retry).WrapHandler(handler)
	}

	return handler, nil
}

// determineProviderType determines the provider type from options
func determineProviderType(options llm.ApiHandlerOptions) (llm.ProviderType, error) {
	if options.Provider != "" {
		switch options.Provider {
		case llm.ProviderGemini, llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderOpenRouter, llm.ProviderBedrock:
			return options.Provider, nil
		}
		return "", fmt.Errorf("unknown provider %q", options.Provider)
	}

	if provider := DetectProviderFromModel(options.ModelID); provider != "" {
		return provider, nil
	}

	return "", fmt.Errorf("could not determine provider type for model %q", options.ModelID)
}

// DetectProviderFromModel infers the provider from a model identifier.
func DetectProviderFromModel(modelID string) llm.ProviderType {
	switch {
	case modelID == "":
		return ""
	case hasAnyPrefix(modelID, "gemini-", "models/gemini-"):
		return llm.ProviderGemini
	case hasAnyPrefix(modelID, "gpt-", "o1", "o3", "o4", "chatgpt-"):
		return llm.ProviderOpenAI
	case hasAnyPrefix(modelID, "claude-"):
		return llm.ProviderAnthropic
	case hasAnyPrefix(modelID, "bedrock/", "anthropic.", "us.anthropic.", "eu.anthropic."):
		return llm.ProviderBedrock
	case strings.Contains(modelID, "/"):
		return llm.ProviderOpenRouter
	}
	return ""
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// stripProviderPrefix removes an "openai/" style prefix from a model id.
func stripProviderPrefix(modelID string) string {
	if i := strings.Index(modelID, "/"); i >= 0 {
		return modelID[i+1:]
	}
	return modelID
}

// attachmentNote describes inline data a provider cannot carry natively.
func attachmentNote(block llm.InlineDataBlock) string {
	return fmt.Sprintf("[attached file of type %s omitted]", block.MimeType)
}
