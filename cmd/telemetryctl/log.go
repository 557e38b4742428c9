package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dipatid/cpp-client-telemetry/internal/config"
	"github.com/dipatid/cpp-client-telemetry/internal/logging"
	"github.com/dipatid/cpp-client-telemetry/internal/logmanager"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/observability"
)

func logCmd() *cobra.Command {
	var (
		eventName string
		props     []string
		token     string
		collector string
		logLevel  string
		waitFlush bool
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Open a LogManager, log one event, and flush",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("token") {
				cfg.PrimaryToken = token
			}
			if cmd.Flags().Changed("collector") {
				cfg.CollectorURL = collector
			}

			logging.SetLevelFromString(logLevel)
			logging.InitStructured(cfg.Observability.LogFormat, logLevel)

			if err := observability.Init(context.Background(), observability.Config{Enabled: false}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			ctx := context.Background()
			lm, err := logmanager.Create(ctx, *cfg)
			if err != nil {
				return fmt.Errorf("open log manager: %w", err)
			}
			defer func() {
				if err := logmanager.Release(ctx, *cfg); err != nil {
					logging.Op().Warn("release log manager", "error", err)
				}
			}()

			e, err := model.New(eventName)
			if err != nil {
				return fmt.Errorf("build event: %w", err)
			}
			for _, kv := range props {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --prop %q, want key=value", kv)
				}
				if err := e.SetString(k, v); err != nil {
					return fmt.Errorf("set property %q: %w", k, err)
				}
			}

			if err := lm.LogEvent(e); err != nil {
				return fmt.Errorf("log event: %w", err)
			}
			lm.UploadNow()

			if waitFlush {
				flushCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.FlushTimeoutMs)*time.Millisecond)
				defer cancel()
				if err := lm.Flush(flushCtx); err != nil {
					return fmt.Errorf("flush: %w", err)
				}
			}

			logging.Op().Info("logged event", "name", eventName, "token", cfg.PrimaryToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&eventName, "name", "CustomEvent", "Event name")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "Event string property as key=value (repeatable)")
	cmd.Flags().StringVar(&token, "token", "", "Override config.primary_token")
	cmd.Flags().StringVar(&collector, "collector", "", "Override config.collector_url")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Structured log level")
	cmd.Flags().BoolVar(&waitFlush, "wait", true, "Wait for the event to flush before exiting")
	return cmd
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		c, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
