package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dipatid/cpp-client-telemetry/internal/logging"
	"github.com/dipatid/cpp-client-telemetry/internal/metrics"
)

func metricsCmd() *cobra.Command {
	var (
		addr      string
		namespace string
	)

	cmd := &cobra.Command{
		Use:   "metrics-server",
		Short: "Serve the pipeline's Prometheus metrics over HTTP",
		Long:  "Starts a bare HTTP server exposing /metrics, for pointing a scraper at a running SDK instance's shared metrics.Global() registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("namespace") {
				cfg.Observability.MetricsNamespace = namespace
			}

			metrics.InitPrometheus(cfg.Observability.MetricsNamespace, cfg.Observability.HistogramBuckets)

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.PrometheusHandler())

			logging.Op().Info("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Override config.observability.metrics_namespace")
	return cmd
}
