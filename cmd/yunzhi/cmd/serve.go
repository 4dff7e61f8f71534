package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/zentech/yunzhi/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat API over HTTP",
	Long: `Serve the chat API for local front ends.

Endpoints:
  GET    /api/v1/health
  GET    /api/v1/sessions[?q=query]
  GET    /api/v1/sessions/ws          live session list
  GET    /api/v1/sessions/{id}
  DELETE /api/v1/sessions/{id}
  POST   /api/v1/sessions/{id}/public
  POST   /api/v1/chat                 streams the reply as server-sent events`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			yunzhiApp.Config.Server.Port = servePort
		}
		port := yunzhiApp.Config.Server.Port

		server := api.NewServer(yunzhiApp.Config, yunzhiApp.Syncer, yunzhiApp)

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "🚀 Starting Yun-Zhi API server")
		fmt.Fprintf(out, "📡 Server: http://localhost:%d\n", port)
		fmt.Fprintf(out, "🔗 Health: http://localhost:%d/api/v1/health\n", port)
		fmt.Fprintf(out, "🔌 Sessions: ws://localhost:%d/api/v1/sessions/ws\n", port)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(port) }()

		select {
		case err := <-errCh:
			server.Close()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server failed: %w", err)
		case <-cmd.Context().Done():
		}

		slog.Info("shutting down API server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 47000)")
	rootCmd.AddCommand(serveCmd)
}
