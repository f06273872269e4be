package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
	"github.com/zen-systems/careflow/pkg/logging"
	"github.com/zen-systems/careflow/pkg/pipeline"
	"github.com/zen-systems/careflow/pkg/scheduler"
)

var (
	configFile string
	logLevel   string
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "careflow",
		Short: "Clinical triage orchestration",
		Long: `Careflow runs free-text symptom descriptions through a fixed sequence of
	model-backed stages (parse, risk assessment, plan, audience adaptation) and
	returns a risk-banded care recommendation. Deterministic safety rules take
	precedence over model output.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default $CAREFLOW_CONFIG or ~/.careflow/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(triageCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(priorityCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		if err := os.Setenv("CAREFLOW_CONFIG", configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func createAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}

// createBatchClient picks the batch backend for the economy tier, if any.
func createBatchClient(cfg *config.Config, adapters map[string]adapter.Adapter) (adapter.BatchClient, error) {
	if !cfg.Batch.Enabled {
		return nil, nil
	}
	switch cfg.Routing.Economy.Adapter {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, nil
		}
		return adapter.NewAnthropicBatchClient(cfg.AnthropicAPIKey)
	case "mock":
		return adapter.NewMockBatchClient(adapters["mock"]), nil
	default:
		return nil, nil
	}
}

// app wires the conductor and everything it depends on.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	sched     *scheduler.Scheduler
	conductor *pipeline.Conductor
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Environment, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	adapters, err := createAdapters(cfg)
	if err != nil {
		return nil, err
	}

	direct := scheduler.NewDirectExecutor(adapters, &cfg.Routing, scheduler.WithDirectLogger(logger.Named("direct")))

	opts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
	batch, err := createBatchClient(cfg, adapters)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch client: %w", err)
	}
	if batch != nil {
		opts = append(opts, scheduler.WithBatchClient(batch))
	} else if cfg.Batch.Enabled {
		logger.Warn("batching enabled but no batch backend for economy adapter", zap.String("adapter", cfg.Routing.Economy.Adapter))
	}

	sched, err := scheduler.New(direct, scheduler.SettingsFromConfig(cfg.Batch), opts...)
	if err != nil {
		return nil, err
	}

	conductor, err := pipeline.NewConductor(cfg, sched,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithAdapters(adapters),
	)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, sched: sched, conductor: conductor}, nil
}

// close drains pending batch work and flushes the logger.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Batch.MaxPollWaitMs)*time.Millisecond)
	defer cancel()
	if err := a.sched.Close(ctx); err != nil {
		a.logger.Warn("scheduler close", zap.Error(err))
	}
	_ = a.logger.Sync()
}
