package main

import (
	"context"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AGIHouse/openscience"
	"github.com/AGIHouse/openscience/metrics/prometheus"
	"github.com/AGIHouse/openscience/server"
)

var (
	serveAddr          string
	serveStatsInterval time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&serveStatsInterval, "stats-interval", 15*time.Second, "How often index gauges are refreshed")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the JSON HTTP API and Prometheus metrics.

Indexes are recovered from the configured snapshot store before the
listener starts. On SIGINT or SIGTERM the server drains in-flight
requests and writes a snapshot of every scheme when a durable snapshot
target is configured.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	reg := prom.NewRegistry()
	collector := prometheus.NewCollector(reg)
	e, cfg := mustOpenEngine(ctx, openscience.WithMetricsCollector(collector))
	defer closeEngine(ctx, e)

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	api := server.New(e,
		server.WithLogger(e.Logger().Logger),
		server.WithMetricsHandler(prometheus.Handler(reg)),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go refreshStats(ctx, e, serveStatsInterval)

	e.Logger().Info("listening", "addr", addr)
	if err := server.ListenAndServe(ctx, srv); err != nil {
		return err
	}

	if cfg.Index.Snapshot.Target != "memory" {
		for _, s := range e.Schemes() {
			if _, err := e.SaveSnapshot(context.WithoutCancel(ctx), s.Name); err != nil {
				e.Logger().Error("snapshot on shutdown failed", "scheme", s.Name, "error", err)
			}
		}
	}
	return nil
}

func refreshStats(ctx context.Context, e *openscience.Engine, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.Stats(ctx)
		}
	}
}
