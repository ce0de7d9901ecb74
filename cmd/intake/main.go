package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"healthsync/internal/config"
	"healthsync/internal/core"
	"healthsync/internal/llm"
	"healthsync/internal/logging"
	"healthsync/pkg"
)

const doneCommand = "/done"

var rootCmd = &cobra.Command{
	Use:           "healthsync-intake",
	Short:         "Hold an intake conversation in the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		v, err := config.NewViper(configFile)
		if err != nil {
			return err
		}
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		if !cmd.Flags().Changed("log-level") && os.Getenv(config.EnvPrefix+"_LOG_LEVEL") == "" {
			v.Set("log.level", "warn")
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := logging.Init(cfg.Log); err != nil {
			return err
		}
		assistant, _ := cmd.Flags().GetString("assistant")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return converse(ctx, cfg, assistant, &input.UI{Reader: os.Stdin, Writer: os.Stdout}, os.Stdout)
	},
}

func init() {
	config.AddFlags(rootCmd.Flags())
	rootCmd.Flags().String("assistant", core.DefaultAssistant, "Assistant persona (Ava or Eli)")
}

func converse(ctx context.Context, cfg config.Config, assistant string, ui *input.UI, out io.Writer) error {
	prompt, err := core.LoadPrompt(cfg.Variant)
	if err != nil {
		return err
	}
	opts := []core.ExtractorOption{}
	if !cfg.Window.Unbounded() {
		counter, err := core.NewTokenCounter()
		if err != nil {
			return err
		}
		opts = append(opts, core.WithWindow(cfg.Window, counter))
	}
	extractor := core.NewExtractor(llm.NewOpenAIClient(cfg.LLM), prompt, opts...)
	chat := core.NewChatService(extractor, core.NewSessionStore(cfg.SessionInactivityTimeout), cfg.MessageCap, nil)

	started := chat.Start(assistant)
	fmt.Fprintf(out, "%s: %s\n(type %s when you have nothing more to add)\n", started.Assistant, started.Greeting, doneCommand)

	seen := 0
	for {
		line, err := ui.Ask("You", &input.Options{Required: true, Loop: true, HideOrder: true})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) {
				return nil
			}
			return errors.Wrap(err, "read input")
		}
		if strings.EqualFold(strings.TrimSpace(line), doneCommand) {
			snap, err := chat.Finish(started.ID)
			if err != nil {
				return err
			}
			return printRecord(out, snap.Record)
		}

		resp, err := chat.Reply(ctx, started.ID, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var te *llm.TransportError
			if errors.As(err, &te) && te.Retryable() {
				fmt.Fprintln(out, "The assistant is unavailable right now, please send that again.")
				continue
			}
			if errors.Is(err, llm.ErrInvalidResponse) {
				fmt.Fprintln(out, "The assistant sent an unreadable answer, please send that again.")
				continue
			}
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", started.Assistant, resp.Reply)
		if len(resp.Charting) > seen {
			for _, c := range resp.Charting[seen:] {
				fmt.Fprintf(out, "  [%s] %s\n", c.Type, c.Content)
			}
			seen = len(resp.Charting)
		}
		if resp.Validation != nil && !resp.Validation.Valid {
			log.Warn().Strs("violations", resp.Validation.Errors).Msg("record does not match schema")
		}
		if resp.State == pkg.StateFinalized {
			return printRecord(out, resp.Record)
		}
		if resp.Capped {
			snap, err := chat.Finish(started.ID)
			if err != nil {
				return err
			}
			return printRecord(out, snap.Record)
		}
	}
}

func printRecord(out io.Writer, record map[string]any) error {
	if record == nil {
		fmt.Fprintln(out, "No record was produced.")
		return nil
	}
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	fmt.Fprintf(out, "\n%s\n", b)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("intake exited")
		os.Exit(1)
	}
}
