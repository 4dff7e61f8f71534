package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

const (
	// DefaultVoice is the prebuilt Gemini voice used when none is configured.
	DefaultVoice = "Kore"

	DefaultGeminiModel = "gemini-2.5-flash-preview-tts"
	DefaultOpenAIModel = "gpt-4o-mini-tts"
	DefaultOpenAIVoice = "alloy"

	// GeminiAudioMime is what the Gemini speech model returns.
	GeminiAudioMime = "audio/L16;codec=pcm;rate=24000"
)

// ErrNoAudio is returned when a provider answers without an audio payload.
var ErrNoAudio = errors.New("speech provider returned no audio")

// Audio is a synthesized clip.
type Audio struct {
	MimeType string
	Data     []byte
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Audio, error)
}

// GeminiSynthesizer uses a Gemini speech model with a prebuilt voice.
type GeminiSynthesizer struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiSynthesizer creates a synthesizer. The client is created lazily.
func NewGeminiSynthesizer(apiKey, model string) *GeminiSynthesizer {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiSynthesizer{apiKey: apiKey, model: model}
}

func (s *GeminiSynthesizer) getClient(ctx context.Context) (*genai.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *GeminiSynthesizer) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if voice == "" {
		voice = DefaultVoice
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return Audio{}, err
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	resp, err := client.Models.GenerateContent(ctx, s.model, genai.Text(text), config)
	if err != nil {
		return Audio{}, fmt.Errorf("failed to synthesize speech: %w", err)
	}
	return geminiAudio(resp)
}

func geminiAudio(resp *genai.GenerateContentResponse) (Audio, error) {
	if resp == nil {
		return Audio{}, ErrNoAudio
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mimeType := part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = GeminiAudioMime
			}
			return Audio{MimeType: mimeType, Data: part.InlineData.Data}, nil
		}
	}
	return Audio{}, ErrNoAudio
}

// OpenAISynthesizer uses the OpenAI speech endpoint and returns MP3.
type OpenAISynthesizer struct {
	client openai.Client
	model  string
}

// NewOpenAISynthesizer creates a synthesizer for the given key.
func NewOpenAISynthesizer(apiKey, model string, opts ...option.RequestOption) *OpenAISynthesizer {
	if model == "" {
		model = DefaultOpenAIModel
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAISynthesizer{client: openai.NewClient(reqOpts...), model: model}
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if voice == "" || voice == DefaultVoice {
		voice = DefaultOpenAIVoice
	}

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(strings.ToLower(voice)),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("failed to synthesize speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("failed to read speech response: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, ErrNoAudio
	}
	return Audio{MimeType: "audio/mpeg", Data: data}, nil
}
