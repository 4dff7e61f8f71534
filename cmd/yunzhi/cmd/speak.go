package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zentech/yunzhi/internal/markdown"
	"github.com/zentech/yunzhi/internal/speech"
	"github.com/zentech/yunzhi/internal/storage"
)

var speakVoice string

var speakCmd = &cobra.Command{
	Use:   "speak [text]",
	Short: "Read text aloud with the configured voice",
	Long: `Read text aloud with the configured speech provider. Without arguments
the text is read from stdin. --session reads the last reply of a saved
conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		player := yunzhiApp.Player
		if player == nil {
			return errors.New("speech is not configured; set GEMINI_API_KEY or speech.provider")
		}
		if speakVoice != "" {
			player.SetVoice(speakVoice)
		}

		text, err := speakText(cmd, args)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(markdown.Plain(text))
		if text == "" {
			return errors.New("nothing to read")
		}

		ctx := cmd.Context()
		changes := player.Subscribe(ctx)
		if err := player.Play(ctx, uuid.NewString(), text); err != nil {
			return err
		}

		// Play returns once audio starts; wait for the clip to end.
		for ev := range changes {
			if ev.Payload.State == speech.Idle {
				return nil
			}
		}
		player.Stop()
		return ctx.Err()
	},
}

func speakText(cmd *cobra.Command, args []string) (string, error) {
	if id, _ := cmd.Flags().GetString("session"); id != "" {
		rec, err := yunzhiApp.Syncer.Get(cmd.Context(), id)
		if err != nil {
			return "", err
		}
		for i := len(rec.Messages) - 1; i >= 0; i-- {
			if rec.Messages[i].Role == storage.RoleModel {
				return rec.Messages[i].Content, nil
			}
		}
		return "", fmt.Errorf("conversation %s has no reply", id)
	}

	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("error reading stdin: %w", err)
	}
	return string(data), nil
}

func init() {
	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "Voice name (default from config)")
	speakCmd.Flags().String("session", "", "Read the last reply of this conversation")
	rootCmd.AddCommand(speakCmd)
}
