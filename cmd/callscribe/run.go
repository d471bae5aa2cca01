package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"callscribe/internal/config"
	"callscribe/internal/diarize"
	"callscribe/internal/embed"
	"callscribe/internal/logger"
	"callscribe/internal/orchestrator"
	"callscribe/internal/refine"
	"callscribe/internal/state"
	"callscribe/internal/store"
	"callscribe/internal/transcription"
	"callscribe/internal/webui"
)

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the input directory and serve the web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New()
	log.SetLevel(cfg.Logging.Level)
	log.WithField("service", "callscribe").Info("starting service")

	for _, dir := range []string{cfg.Paths.Input, cfg.Paths.Output, cfg.Paths.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	st, err := state.Open(cfg.Paths.State, log)
	if err != nil {
		return err
	}
	defer st.Close()

	results, err := store.New(cfg.Paths.Output)
	if err != nil {
		return err
	}

	trans := transcription.NewClient(cfg.Engine.URL, cfg.Engine.PollSec, cfg.Engine.Mock, log)
	embedder := embed.NewClient(cfg.Embedding.URL, cfg.Embedding.Dimension, cfg.Embedding.Mock, log)
	diar := diarize.New(embedder, cfg.Roles.Speakers, cfg.Roles.Policy, log)
	refiner := refine.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Mock, log)

	orch := orchestrator.New(orchestrator.Options{
		InputDir:      cfg.Paths.Input,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		RetryDelay:    time.Duration(cfg.Pipeline.RetryDelaySec) * time.Second,
	}, trans, diar, refiner, st, results, log)

	server := webui.NewServer(orch, results, cfg.WebUI.Username, cfg.WebUI.Password, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := orch.Start(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()
	go func() {
		if err := server.ListenAndServe(ctx, cfg.WebUI.Addr); err != nil {
			errCh <- err
		}
	}()

	log.WithField("input", cfg.Paths.Input).WithField("output", cfg.Paths.Output).Info("pipeline ready")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		log.WithError(err).Error("service terminated")
		return err
	}
}
