package providers

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/zentech/yunzhi/internal/llm"
	"google.golang.org/genai"
)

func TestDetectProviderFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  llm.ProviderType
	}{
		{"gemini-3-flash-preview", llm.ProviderGemini},
		{"models/gemini-2.5-pro", llm.ProviderGemini},
		{"gpt-4o-mini", llm.ProviderOpenAI},
		{"o3-mini", llm.ProviderOpenAI},
		{"claude-sonnet-4-20250514", llm.ProviderAnthropic},
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", llm.ProviderBedrock},
		{"bedrock/anthropic.claude-3-haiku-20240307-v1:0", llm.ProviderBedrock},
		{"meta-llama/llama-3.1-70b-instruct", llm.ProviderOpenRouter},
		{"unknown-model", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := DetectProviderFromModel(tt.model); got != tt.want {
				t.Errorf("DetectProviderFromModel(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestBuildApiHandler(t *testing.T) {
	t.Run("model prefix selects handler", func(t *testing.T) {
		handler, err := BuildApiHandler(llm.ApiHandlerOptions{APIKey: "k", ModelID: "gemini-3-flash-preview"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := handler.(*GeminiHandler); !ok {
			t.Errorf("expected *GeminiHandler, got %T", handler)
		}
		if handler.GetModel().ID != "gemini-3-flash-preview" {
			t.Errorf("unexpected model id %q", handler.GetModel().ID)
		}
	})

	t.Run("explicit provider wins", func(t *testing.T) {
		handler, err := BuildApiHandler(llm.ApiHandlerOptions{APIKey: "k", ModelID: "my-model", Provider: llm.ProviderOpenAI})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := handler.(*OpenAIHandler); !ok {
			t.Errorf("expected *OpenAIHandler, got %T", handler)
		}
	})

	t.Run("retry wraps handler", func(t *testing.T) {
		retry := llm.DefaultRetryOptions
		handler, err := BuildApiHandler(llm.ApiHandlerOptions{APIKey: "k", ModelID: "claude-3-5-haiku-latest", Retry: &retry})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := handler.(*AnthropicHandler); ok {
			t.Error("expected handler to be wrapped with retry logic")
		}
		if handler.GetModel().ID != "claude-3-5-haiku-latest" {
			t.Errorf("wrapped handler lost model id: %q", handler.GetModel().ID)
		}
	})

	t.Run("unknown model fails", func(t *testing.T) {
		if _, err := BuildApiHandler(llm.ApiHandlerOptions{ModelID: "mystery"}); err == nil {
			t.Error("expected error for unknown model")
		}
		if _, err := BuildApiHandler(llm.ApiHandlerOptions{ModelID: "gpt-4o", Provider: "nope"}); err == nil {
			t.Error("expected error for unknown provider")
		}
	})
}

func TestConvertToGeminiContents(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	inline := &llm.InlineDataBlock{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(raw)}

	messages := []llm.Message{
		llm.NewUserMessage("Hello", nil),
		llm.NewAssistantMessage("Hi there!"),
		llm.NewUserMessage("Tolong analisis gambar ini.", inline),
	}

	contents, err := ConvertToGeminiContents(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}

	if contents[0].Role != genai.RoleUser || contents[1].Role != genai.RoleModel {
		t.Errorf("unexpected roles %q, %q", contents[0].Role, contents[1].Role)
	}

	last := contents[2]
	if len(last.Parts) != 2 {
		t.Fatalf("expected inline and text parts, got %d", len(last.Parts))
	}
	if last.Parts[0].InlineData == nil {
		t.Fatal("inline data must come before text")
	}
	if last.Parts[0].InlineData.MIMEType != "image/png" || string(last.Parts[0].InlineData.Data) != string(raw) {
		t.Errorf("inline data not decoded: %+v", last.Parts[0].InlineData)
	}
	if last.Parts[1].Text != "Tolong analisis gambar ini." {
		t.Errorf("unexpected text part %q", last.Parts[1].Text)
	}

	t.Run("invalid base64", func(t *testing.T) {
		bad := []llm.Message{llm.NewUserMessage("x", &llm.InlineDataBlock{MimeType: "image/png", Data: "%%%"})}
		if _, err := ConvertToGeminiContents(bad); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestConvertToOpenAIMessages(t *testing.T) {
	messages := []llm.Message{
		llm.NewUserMessage("describe", &llm.InlineDataBlock{MimeType: "image/jpeg", Data: "AAAA"}),
		llm.NewAssistantMessage("a cat"),
	}

	out := ConvertToOpenAIMessages("persona", messages)
	if len(out) != 3 {
		t.Fatalf("expected system + 2 messages, got %d", len(out))
	}

	data, err := json.Marshal(out[1])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Role != "user" || len(decoded.Content) != 2 {
		t.Fatalf("unexpected user message: %s", data)
	}
	if decoded.Content[0].Type != "image_url" || decoded.Content[0].ImageURL.URL != "data:image/jpeg;base64,AAAA" {
		t.Errorf("unexpected image part: %s", data)
	}
}

func TestConvertToAnthropicMessages(t *testing.T) {
	messages := []llm.Message{
		llm.NewUserMessage("", &llm.InlineDataBlock{MimeType: "application/pdf", Data: "AAAA"}),
		llm.NewAssistantMessage("ok"),
	}

	out := ConvertToAnthropicMessages(messages)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if len(out[0].Content) != 1 {
		t.Fatalf("expected a single note block for a document, got %d", len(out[0].Content))
	}
}

func TestBedrockBody(t *testing.T) {
	messages := []llm.Message{
		llm.NewUserMessage("look", &llm.InlineDataBlock{MimeType: "image/png", Data: "AAAA"}),
	}

	body, err := BuildBedrockAnthropicBody("persona", messages, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req bedrockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.AnthropicVersion != bedrockAnthropicVersion || req.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("unexpected header fields: %+v", req)
	}
	if req.System != "persona" {
		t.Errorf("system prompt not carried: %q", req.System)
	}
	if len(req.Messages) != 1 || len(req.Messages[0].Content) != 2 {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	if req.Messages[0].Content[0].Type != "image" || req.Messages[0].Content[0].Source.MediaType != "image/png" {
		t.Errorf("image block not first: %+v", req.Messages[0].Content[0])
	}
}

func TestParseBedrockAnthropicChunk(t *testing.T) {
	text, _, _ := parseBedrockAnthropicChunk([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`))
	if text != "Hi" {
		t.Errorf("expected text delta, got %q", text)
	}

	_, in, _ := parseBedrockAnthropicChunk([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`))
	if in != 12 {
		t.Errorf("expected input tokens 12, got %d", in)
	}

	_, _, out := parseBedrockAnthropicChunk([]byte(`{"type":"message_delta","usage":{"output_tokens":7}}`))
	if out != 7 {
		t.Errorf("expected output tokens 7, got %d", out)
	}

	if text, in, out := parseBedrockAnthropicChunk([]byte(`not json`)); text != "" || in != 0 || out != 0 {
		t.Error("garbage must parse to zero values")
	}
}
