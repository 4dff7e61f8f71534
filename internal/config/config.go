package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/zentech/yunzhi/internal/llm"
)

const (
	appName = "yunzhi"

	defaultModel      = "gemini-3-flash-preview"
	defaultLogLevel   = "info"
	defaultServerPort = 47000
	defaultMaxBytes   = 20 << 20
	defaultVoice      = "Kore"
	defaultPlayer     = "ffplay -nodisp -autoexit -loglevel quiet"
)

// Store backends understood by the app wiring.
const (
	StoreFirestore = "firestore"
	StoreLibSQL    = "libsql"
	StoreMemory    = "memory"
)

// Provider holds credentials for one completion provider.
type Provider struct {
	APIKey   string `json:"apiKey" mapstructure:"apiKey"`
	BaseURL  string `json:"baseUrl,omitempty" mapstructure:"baseUrl"`
	Disabled bool   `json:"disabled" mapstructure:"disabled"`
}

// AWSConfig carries Bedrock credentials.
type AWSConfig struct {
	AccessKey    string `json:"accessKey" mapstructure:"accessKey"`
	SecretKey    string `json:"secretKey" mapstructure:"secretKey"`
	SessionToken string `json:"sessionToken" mapstructure:"sessionToken"`
	Region       string `json:"region" mapstructure:"region"`
}

// StoreConfig selects the chat document store.
type StoreConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"`
	ProjectID  string `json:"projectID" mapstructure:"projectID"`
	Collection string `json:"collection" mapstructure:"collection"`
	Path       string `json:"path" mapstructure:"path"`
}

// AttachmentConfig bounds staged files.
type AttachmentConfig struct {
	MaxBytes int64 `json:"maxBytes" mapstructure:"maxBytes"`
}

// SpeechConfig configures voice playback.
type SpeechConfig struct {
	Provider string `json:"provider" mapstructure:"provider"`
	Voice    string `json:"voice" mapstructure:"voice"`
	Model    string `json:"model" mapstructure:"model"`
	Player   string `json:"player" mapstructure:"player"`
}

// ServerConfig configures `yunzhi serve`.
type ServerConfig struct {
	Port int `json:"port" mapstructure:"port"`
}

// RetryConfig bounds retries when a completion stream cannot be opened.
type RetryConfig struct {
	MaxRetries int `json:"maxRetries" mapstructure:"maxRetries"`
}

// LogConfig controls the log level.
type LogConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// Config is the main configuration structure for the application.
type Config struct {
	Model        string              `json:"model" mapstructure:"model"`
	SystemPrompt string              `json:"systemPrompt,omitempty" mapstructure:"systemPrompt"`
	Provider     string              `json:"provider,omitempty" mapstructure:"provider"`
	Providers    map[string]Provider `json:"providers,omitempty" mapstructure:"providers"`
	AWS          AWSConfig           `json:"aws" mapstructure:"aws"`
	Store        StoreConfig         `json:"store" mapstructure:"store"`
	Attachments  AttachmentConfig    `json:"attachments" mapstructure:"attachments"`
	Speech       SpeechConfig        `json:"speech" mapstructure:"speech"`
	Server       ServerConfig        `json:"server" mapstructure:"server"`
	Retry        RetryConfig         `json:"retry" mapstructure:"retry"`
	Log          LogConfig           `json:"log" mapstructure:"log"`
	Debug        bool                `json:"debug" mapstructure:"debug"`
}

var (
	cfgMu sync.RWMutex
	cfg   *Config
	v     *viper.Viper
)

// Load initializes the configuration from .env, environment variables and
// the config file. An empty configDir searches the default locations.
func Load(configDir string, debug bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	nv := viper.New()
	configureViper(nv, configDir)
	setDefaults(nv, debug)

	loaded := &Config{Providers: make(map[string]Provider)}
	if err := readConfig(nv, nv.ReadInConfig(), loaded); err != nil {
		return nil, err
	}
	loadProvidersFromEnv(loaded)
	loaded.normalize()

	cfgMu.Lock()
	cfg = loaded
	v = nv
	cfgMu.Unlock()

	return loaded, nil
}

// configureViper sets up viper's configuration paths and environment variables
func configureViper(nv *viper.Viper, configDir string) {
	nv.SetConfigName(fmt.Sprintf(".%s", appName))
	nv.SetConfigType("json")
	if configDir != "" {
		nv.AddConfigPath(configDir)
	} else {
		nv.AddConfigPath("$HOME")
		nv.AddConfigPath(fmt.Sprintf("$XDG_CONFIG_HOME/%s", appName))
		nv.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	}
	nv.SetEnvPrefix(strings.ToUpper(appName))
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
}

func setDefaults(nv *viper.Viper, debug bool) {
	nv.SetDefault("model", defaultModel)
	nv.SetDefault("systemPrompt", "")
	nv.SetDefault("provider", "")

	nv.SetDefault("store.backend", StoreLibSQL)
	nv.SetDefault("store.projectID", "")
	nv.SetDefault("store.collection", "chats")
	nv.SetDefault("store.path", "")

	nv.SetDefault("attachments.maxBytes", defaultMaxBytes)

	nv.SetDefault("speech.provider", "gemini")
	nv.SetDefault("speech.voice", defaultVoice)
	nv.SetDefault("speech.model", "")
	nv.SetDefault("speech.player", defaultPlayer)

	nv.SetDefault("server.port", defaultServerPort)
	nv.SetDefault("retry.maxRetries", llm.DefaultRetryOptions.MaxRetries)

	if debug {
		nv.SetDefault("debug", true)
		nv.Set("log.level", "debug")
	} else {
		nv.SetDefault("debug", false)
		nv.SetDefault("log.level", defaultLogLevel)
	}
}

func readConfig(nv *viper.Viper, err error, out *Config) error {
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := nv.Unmarshal(out); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// loadProvidersFromEnv fills provider credentials the config file left empty.
func loadProvidersFromEnv(c *Config) {
	providers := map[llm.ProviderType]string{
		llm.ProviderGemini:     "GEMINI_API_KEY",
		llm.ProviderOpenAI:     "OPENAI_API_KEY",
		llm.ProviderAnthropic:  "ANTHROPIC_API_KEY",
		llm.ProviderOpenRouter: "OPENROUTER_API_KEY",
	}

	for provider, envVar := range providers {
		apiKey := os.Getenv(envVar)
		if apiKey == "" {
			continue
		}
		p := c.Providers[string(provider)]
		if p.APIKey == "" {
			p.APIKey = apiKey
		}
		c.Providers[string(provider)] = p
	}

	if c.AWS.AccessKey == "" {
		c.AWS.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.AWS.SecretKey == "" {
		c.AWS.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.AWS.SessionToken == "" {
		c.AWS.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	if c.AWS.Region == "" {
		c.AWS.Region = os.Getenv("AWS_REGION")
	}
	if c.Store.ProjectID == "" {
		c.Store.ProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
}

func (c *Config) normalize() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Attachments.MaxBytes <= 0 {
		c.Attachments.MaxBytes = defaultMaxBytes
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "chats"
	}
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	if c.Speech.Voice == "" {
		c.Speech.Voice = defaultVoice
	}
	if c.Speech.Player == "" {
		c.Speech.Player = defaultPlayer
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
}

// Get returns the global configuration instance
func Get() *Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// ProviderType returns the explicitly configured provider, or "" for model prefix detection.
func (c *Config) ProviderType() llm.ProviderType {
	return llm.ProviderType(strings.ToLower(c.Provider))
}

// APIKey returns the key configured for provider.
func (c *Config) APIKey(provider llm.ProviderType) string {
	return c.Providers[string(provider)].APIKey
}

// HandlerOptions builds the options for a completion handler of the given
// provider. An empty provider leaves detection to the model id.
func (c *Config) HandlerOptions(provider llm.ProviderType) llm.ApiHandlerOptions {
	retry := llm.DefaultRetryOptions
	if c.Retry.MaxRetries > 0 {
		retry.MaxRetries = c.Retry.MaxRetries
	}

	opts := llm.ApiHandlerOptions{
		ModelID:         c.Model,
		Provider:        provider,
		AWSAccessKey:    c.AWS.AccessKey,
		AWSSecretKey:    c.AWS.SecretKey,
		AWSSessionToken: c.AWS.SessionToken,
		AWSRegion:       c.AWS.Region,
		XTitle:          "Yun-Zhi",
		Retry:           &retry,
	}
	if provider != "" {
		opts.APIKey = c.APIKey(provider)
		switch provider {
		case llm.ProviderOpenAI:
			opts.OpenAIBaseURL = c.Providers[string(provider)].BaseURL
		case llm.ProviderAnthropic:
			opts.AnthropicBaseURL = c.Providers[string(provider)].BaseURL
		}
	}
	return opts
}

// Watch hot-reloads the model and speech voice when the config file changes.
// onChange receives the updated configuration.
func Watch(onChange func(*Config)) error {
	cfgMu.RLock()
	nv := v
	cfgMu.RUnlock()
	if nv == nil {
		return fmt.Errorf("config not loaded")
	}
	if nv.ConfigFileUsed() == "" {
		return nil
	}

	nv.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfgMu.Lock()
		if cfg == nil {
			cfgMu.Unlock()
			return
		}
		updated := *cfg
		updated.Model = nv.GetString("model")
		updated.Speech.Voice = nv.GetString("speech.voice")
		updated.normalize()
		cfg = &updated
		cfgMu.Unlock()

		slog.Info("configuration reloaded", "file", e.Name, "model", updated.Model, "voice", updated.Speech.Voice)
		if onChange != nil {
			onChange(&updated)
		}
	})
	nv.WatchConfig()
	return nil
}
