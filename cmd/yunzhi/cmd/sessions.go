package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"
	"github.com/zentech/yunzhi/internal/session"
	"github.com/zentech/yunzhi/internal/storage"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"chats"},
	Short:   "Manage saved conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSessions(cmd.Context(), cmd.OutOrStdout(), "")
	},
}

var sessionsFindCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Fuzzy-search conversation titles",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSessions(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := yunzhiApp.Syncer.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if sessionsJSON {
			return writeJSON(out, rec)
		}

		fmt.Fprintf(out, "%s\n%s\n\n", rec.Title, strings.Repeat("-", min(ansi.StringWidth(rec.Title), 80)))
		for _, m := range rec.Messages {
			label := "Yun-Zhi"
			if m.Role == storage.RoleUser {
				label = "Kamu"
			}
			fmt.Fprintf(out, "[%s] %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), label)
			if m.AttachmentURL != "" || m.InlineData != nil {
				fmt.Fprintln(out, "📎 lampiran")
			}
			fmt.Fprintf(out, "%s\n\n", m.Content)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := yunzhiApp.Syncer.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var sessionsShareCmd = &cobra.Command{
	Use:   "share <id>",
	Short: "Make a conversation public (--off to make it private again)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		if err := yunzhiApp.Syncer.SetPublic(cmd.Context(), args[0], !off); err != nil {
			return err
		}
		state := "public"
		if off {
			state = "private"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], state)
		return nil
	},
}

func listSessions(ctx context.Context, out io.Writer, query string) error {
	all, err := yunzhiApp.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("error listing conversations: %w", err)
	}
	sessions := session.Find(all, query)

	if sessionsJSON {
		return writeJSON(out, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No conversations found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-8s %-16s %s\n", "ID", "SHARED", "UPDATED", "TITLE")
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, s := range sessions {
		shared := "No"
		if s.IsPublic {
			shared = "Yes"
		}
		fmt.Fprintf(out, "%-36s %-8s %-16s %s\n",
			s.ID,
			shared,
			s.UpdatedAt.Local().Format("2006-01-02 15:04"),
			ansi.Truncate(s.Title, 40, "…"),
		)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "Print JSON")
	sessionsShareCmd.Flags().Bool("off", false, "Stop sharing")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsFindCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsShareCmd)
	rootCmd.AddCommand(sessionsCmd)
}
