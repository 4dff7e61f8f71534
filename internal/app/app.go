package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zentech/yunzhi/internal/chat"
	"github.com/zentech/yunzhi/internal/config"
	"github.com/zentech/yunzhi/internal/llm"
	"github.com/zentech/yunzhi/internal/llm/providers"
	"github.com/zentech/yunzhi/internal/session"
	"github.com/zentech/yunzhi/internal/speech"
	"github.com/zentech/yunzhi/internal/storage"
)

// App holds the long-lived collaborators of the client.
type App struct {
	Config *config.Config
	Paths  *storage.PathManager
	Store  storage.ChatStore
	Syncer *session.Synchronizer

	// Player is nil when no speech provider has credentials.
	Player *speech.Player

	State     *config.State
	StatePath string

	cacheDir string

	mu      sync.Mutex
	handler llm.ApiHandler
	engines map[*chat.Engine]struct{}
}

// AppConfig represents configuration for app initialization
type AppConfig struct {
	ConfigDir string
	Debug     bool

	// Overrides applied on top of the loaded configuration.
	Model string
	Store string

	// Paths defaults to storage.DefaultPathManager.
	Paths *storage.PathManager
}

// NewApp loads the configuration and opens the store, the completion
// provider and the speech player.
func NewApp(ctx context.Context, appConfig *AppConfig) (*App, error) {
	cfg, err := config.Load(appConfig.ConfigDir, appConfig.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if appConfig.Model != "" {
		cfg.Model = appConfig.Model
	}
	if appConfig.Store != "" {
		cfg.Store.Backend = strings.ToLower(appConfig.Store)
	}

	paths := appConfig.Paths
	if paths == nil {
		paths = storage.DefaultPathManager
	}
	return newApp(ctx, cfg, paths)
}

func newApp(ctx context.Context, cfg *config.Config, paths *storage.PathManager) (*App, error) {
	app := &App{
		Config:  cfg,
		Paths:   paths,
		engines: make(map[*chat.Engine]struct{}),
	}

	var err error
	if app.cacheDir, err = paths.GetCacheDir(); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := app.initializeState(); err != nil {
		return nil, err
	}

	if app.Store, err = OpenStore(ctx, cfg, paths); err != nil {
		return nil, err
	}
	app.Syncer = session.NewSynchronizer(app.Store)

	// A missing provider key is reported on the first turn, not at startup.
	if app.handler, err = BuildHandler(cfg); err != nil {
		app.Store.Close()
		return nil, err
	}

	app.Player = BuildPlayer(cfg, app.cacheDir)

	slog.Info("yunzhi initialized",
		"model", cfg.Model,
		"store", cfg.Store.Backend,
		"speech", app.Player != nil)
	return app, nil
}

func (app *App) initializeState() error {
	statePath, err := app.Paths.GetStatePath()
	if err != nil {
		return fmt.Errorf("failed to resolve state path: %w", err)
	}
	state, err := config.LoadState(statePath)
	if err != nil {
		slog.Warn("ignoring unreadable state file", "file", statePath, "error", err)
		state = config.NewState()
	}
	app.State = state
	app.StatePath = statePath
	return nil
}

// OpenStore opens the chat store selected by cfg.Store.Backend.
func OpenStore(ctx context.Context, cfg *config.Config, paths *storage.PathManager) (storage.ChatStore, error) {
	switch cfg.Store.Backend {
	case config.StoreFirestore:
		if cfg.Store.ProjectID == "" {
			return nil, fmt.Errorf("firestore store requires store.projectID or GOOGLE_CLOUD_PROJECT")
		}
		store, err := storage.NewFirestoreStore(ctx, cfg.Store.ProjectID, cfg.Store.Collection)
		if err != nil {
			return nil, fmt.Errorf("failed to open firestore: %w", err)
		}
		return store, nil

	case config.StoreMemory:
		return storage.NewMemoryStore(), nil

	case config.StoreLibSQL, "":
		path := cfg.Store.Path
		if path == "" {
			var err error
			if path, err = paths.GetChatDatabasePath(); err != nil {
				return nil, fmt.Errorf("failed to resolve chat database path: %w", err)
			}
		}
		store, err := storage.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open chat database: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// BuildHandler creates the completion handler for cfg.Model. The provider
// is taken from cfg.Provider or detected from the model id.
func BuildHandler(cfg *config.Config) (llm.ApiHandler, error) {
	provider := cfg.ProviderType()
	if provider == "" {
		provider = providers.DetectProviderFromModel(cfg.Model)
	}
	if provider == "" {
		return nil, fmt.Errorf("cannot determine provider for model %q; set provider in the config", cfg.Model)
	}
	if p, ok := cfg.Providers[string(provider)]; ok && p.Disabled {
		return nil, fmt.Errorf("provider %s is disabled", provider)
	}

	handler, err := providers.BuildApiHandler(cfg.HandlerOptions(provider))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s handler: %w", provider, err)
	}
	return handler, nil
}

// BuildPlayer creates the speech player, or nil when the configured speech
// provider has no credentials.
func BuildPlayer(cfg *config.Config, tempDir string) *speech.Player {
	var synth speech.Synthesizer
	switch strings.ToLower(cfg.Speech.Provider) {
	case "", string(llm.ProviderGemini):
		key := cfg.APIKey(llm.ProviderGemini)
		if key == "" {
			return nil
		}
		synth = speech.NewGeminiSynthesizer(key, cfg.Speech.Model)
	case string(llm.ProviderOpenAI):
		key := cfg.APIKey(llm.ProviderOpenAI)
		if key == "" {
			return nil
		}
		synth = speech.NewOpenAISynthesizer(key, cfg.Speech.Model)
	case "none", "off":
		return nil
	default:
		slog.Warn("unknown speech provider, speech disabled", "provider", cfg.Speech.Provider)
		return nil
	}
	return speech.NewPlayer(synth, speech.NewExecPort(cfg.Speech.Player, tempDir), cfg.Speech.Voice)
}

// NewEngine creates a chat engine bound to the shared synchronizer. The
// engine follows model changes made through Reload until Release.
func (app *App) NewEngine() *chat.Engine {
	app.mu.Lock()
	defer app.mu.Unlock()

	engine := chat.NewEngine(app.handler, app.Syncer, chat.Config{
		SystemPrompt:       app.Config.SystemPrompt,
		MaxAttachmentBytes: app.Config.Attachments.MaxBytes,
		PreviewDir:         app.cacheDir,
	})
	app.engines[engine] = struct{}{}
	return engine
}

// Release closes an engine created by NewEngine.
func (app *App) Release(engine *chat.Engine) {
	app.mu.Lock()
	delete(app.engines, engine)
	app.mu.Unlock()
	engine.Close()
}

// Reload applies a changed configuration: a new model swaps the handler of
// every live engine and a new voice is passed to the player.
func (app *App) Reload(updated *config.Config) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if updated.Model != app.Config.Model {
		next := *app.Config
		next.Model = updated.Model
		handler, err := BuildHandler(&next)
		if err != nil {
			slog.Error("keeping previous model", "model", updated.Model, "error", err)
		} else {
			app.Config.Model = updated.Model
			app.handler = handler
			for engine := range app.engines {
				engine.SetHandler(handler)
			}
			slog.Info("model switched", "model", updated.Model)
		}
	}

	if updated.Speech.Voice != app.Config.Speech.Voice {
		app.Config.Speech.Voice = updated.Speech.Voice
		if app.Player != nil {
			app.Player.SetVoice(updated.Speech.Voice)
		}
	}
}

// WatchConfig hot-reloads the config file into Reload.
func (app *App) WatchConfig() {
	if err := config.Watch(app.Reload); err != nil {
		slog.Warn("config watch disabled", "error", err)
	}
}

// Close releases all engines, the player and the store.
func (app *App) Close() {
	app.mu.Lock()
	engines := app.engines
	app.engines = make(map[*chat.Engine]struct{})
	app.mu.Unlock()

	for engine := range engines {
		engine.Close()
	}
	if app.Player != nil {
		app.Player.Close()
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}
}
