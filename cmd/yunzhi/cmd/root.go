package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/zentech/yunzhi/internal/app"
	"github.com/zentech/yunzhi/internal/markdown"
	"github.com/zentech/yunzhi/internal/storage"
	"github.com/zentech/yunzhi/internal/tui"
)

var (
	debug     bool
	configDir string
	model     string
	store     string
	plain     bool
)

var (
	logFile *os.File
	logger  *log.Logger
)

// Global app instance shared by the subcommands
var yunzhiApp *app.App

// setupLogging routes slog through a charm logger: stderr in debug mode,
// ~/.yunzhi/yunzhi.log otherwise so the chat screen stays clean.
func setupLogging(debug bool) error {
	var w io.Writer = os.Stderr
	level := log.InfoLevel

	if debug {
		level = log.DebugLevel
	} else {
		logPath, err := storage.DefaultPathManager.GetLogPath()
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		w = logFile
	}

	logger = log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "yunzhi",
		ReportTimestamp: true,
	})
	slog.SetDefault(slog.New(logger))
	return nil
}

// applyLogLevel switches to the configured level once the config is loaded.
func applyLogLevel(name string) {
	if logger == nil || debug || name == "" {
		return
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		slog.Warn("unknown log level", "level", name)
		return
	}
	logger.SetLevel(level)
}

// cleanupLogging closes the log file if it was opened
func cleanupLogging() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "yunzhi [prompt]",
	Short: "Yun-Zhi, a multimodal AI chat client",
	Long: `Yun-Zhi is a chat client for multimodal models. Conversations are saved
and listed live, files can be attached to a message and replies can be
read aloud.

Usage:
  yunzhi                     # Start the chat screen
  yunzhi --plain             # Line-oriented chat without the full screen UI
  yunzhi "your question"     # Get a single answer
  echo "question" | yunzhi   # Pipe input`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	Args:              cobra.ArbitraryArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(debug); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		var err error
		yunzhiApp, err = app.NewApp(cmd.Context(), &app.AppConfig{
			ConfigDir: configDir,
			Debug:     debug,
			Model:     model,
			Store:     store,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize yunzhi: %w", err)
		}
		applyLogLevel(yunzhiApp.Config.Log.Level)
		yunzhiApp.WatchConfig()
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		switch {
		case len(args) > 0:
			return answerOnce(ctx, cmd.OutOrStdout(), strings.Join(args, " "))
		case hasStdinInput():
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("error reading stdin: %w", err)
			}
			return answerOnce(ctx, cmd.OutOrStdout(), string(input))
		case plain:
			return runConsole(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		default:
			return runChatScreen(ctx)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging to stderr")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Directory containing .yunzhi.json")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "", "Model to chat with")
	rootCmd.PersistentFlags().StringVar(&store, "store", "", "Chat store backend (libsql, firestore, memory)")
	rootCmd.Flags().BoolVar(&plain, "plain", false, "Use the line-oriented console instead of the chat screen")
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)

	stop()
	if yunzhiApp != nil {
		yunzhiApp.Close()
	}
	cleanupLogging()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChatScreen(ctx context.Context) error {
	engine := yunzhiApp.NewEngine()
	defer yunzhiApp.Release(engine)

	sessions := yunzhiApp.Syncer.ListSessions(ctx)
	defer sessions.Close()

	renderer, err := markdown.NewRenderer(markdown.ChatConfig())
	if err != nil {
		slog.Warn("markdown rendering disabled", "error", err)
		renderer = nil
	}

	return tui.Run(tui.Options{
		Engine:    engine,
		Sessions:  sessions,
		Player:    yunzhiApp.Player,
		Renderer:  renderer,
		State:     yunzhiApp.State,
		StatePath: yunzhiApp.StatePath,
	})
}

// answerOnce sends a single prompt in a new chat and prints the reply.
func answerOnce(ctx context.Context, out io.Writer, prompt string) error {
	engine := yunzhiApp.NewEngine()
	defer yunzhiApp.Release(engine)

	c := newConsole(engine, nil, out)
	return c.send(ctx, prompt)
}

func hasStdinInput() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}
