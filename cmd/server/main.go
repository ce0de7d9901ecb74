package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"healthsync/internal/config"
	"healthsync/internal/core"
	httpserver "healthsync/internal/http"
	"healthsync/internal/llm"
	"healthsync/internal/logging"
	"healthsync/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:           "healthsync-server",
	Short:         "Serve the conversational patient intake API",
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
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := logging.Init(cfg.Log); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	config.AddFlags(rootCmd.Flags())
}

func run(ctx context.Context, cfg config.Config) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	prompt, err := core.LoadPrompt(cfg.Variant)
	if err != nil {
		return err
	}
	client := llm.NewOpenAIClient(cfg.LLM)

	opts := []core.ExtractorOption{core.WithMetrics(metrics)}
	if !cfg.Window.Unbounded() {
		counter, err := core.NewTokenCounter()
		if err != nil {
			return err
		}
		opts = append(opts, core.WithWindow(cfg.Window, counter))
	}
	extractor := core.NewExtractor(client, prompt, opts...)

	sessions := core.NewSessionStore(cfg.SessionInactivityTimeout)
	chat := core.NewChatService(extractor, sessions, cfg.MessageCap, metrics)
	srv := httpserver.NewServer(chat, metrics, nil, client.Model())

	httpSrv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("variant", string(cfg.Variant)).
			Int("prompt_version", prompt.Version).
			Str("model", client.Model()).
			Int("message_cap", cfg.MessageCap).
			Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return sessions.RunJanitor(gctx, 0)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
