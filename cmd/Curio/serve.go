package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/Curio/internal/api"
	"github.com/BTreeMap/Curio/internal/flow"
	"github.com/BTreeMap/Curio/internal/genai"
	"github.com/BTreeMap/Curio/internal/lockfile"
	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tutoring HTTP API",
	Long: `Starts the HTTP API the frontend talks to: POST /chat runs one tutoring turn,
/api/conversations exposes stored conversations and /health reports liveness.

Configuration comes from .env and the environment; flags override both.`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
}

func addServeFlags(f *pflag.FlagSet) {
	f.String("addr", "", "address to listen on (overrides $API_ADDR)")
	f.StringSlice("cors-origin", nil, "allowed browser origin, repeatable (overrides $CORS_ORIGINS and $VUE_APP_URL)")
	f.String("model", "", "reply model (overrides $CURIO_MODEL)")
	f.String("classifier-model", "", "classification model (overrides $CURIO_CLASSIFIER_MODEL)")
	f.String("openai-base-url", "", "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)")
	f.String("history-mode", "", "phase history convention: on_change or always (overrides $CURIO_HISTORY_MODE)")
	f.Bool("debug", false, "write every generation request to <state-dir>/debug (overrides $CURIO_DEBUG)")
}

// applyServeFlags overrides config with the serve flags that were set explicitly.
func applyServeFlags(flags *pflag.FlagSet, config *Config) error {
	if flags.Changed("addr") {
		config.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("cors-origin") {
		config.Origins, _ = flags.GetStringSlice("cors-origin")
	}
	if flags.Changed("model") {
		config.Model, _ = flags.GetString("model")
	}
	if flags.Changed("classifier-model") {
		config.ClassifierModel, _ = flags.GetString("classifier-model")
	}
	if flags.Changed("openai-base-url") {
		config.OpenAIBaseURL, _ = flags.GetString("openai-base-url")
	}
	if flags.Changed("history-mode") {
		raw, _ := flags.GetString("history-mode")
		mode, ok := models.ParseHistoryMode(raw)
		if !ok {
			return fmt.Errorf("invalid --history-mode %q: want %q or %q", raw, models.HistoryAppendOnChange, models.HistoryAppendAlways)
		}
		config.HistoryMode = mode
	}
	if flags.Changed("debug") {
		config.Debug, _ = flags.GetBool("debug")
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	config := loadEnvironmentConfig()
	applyCommonFlags(cmd.Flags(), &config)
	if err := applyServeFlags(cmd.Flags(), &config); err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(config.StateDir, config.Addr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	client, err := genai.NewClient(buildGenAIOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to create generation client: %w", err)
	}

	deps, err := buildFlowDependencies(config, client, st)
	if err != nil {
		return err
	}
	tutor := flow.NewTutorFlow(deps)
	server := api.NewServer(tutor, st, buildAPIOptions(config)...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			slog.Info("serve: shutdown requested")
		}
		return nil
	})

	slog.Info("serve: Curio started", "addr", config.Addr, "stateDir", config.StateDir, "model", config.Model, "historyMode", config.HistoryMode)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	slog.Info("serve: Curio stopped")
	return nil
}
