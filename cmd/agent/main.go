package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/Chichichkin/LogtailAgent/internal/config"
	"github.com/Chichichkin/LogtailAgent/internal/logging/drain"
	"github.com/Chichichkin/LogtailAgent/internal/logging/handler"
	"github.com/Chichichkin/LogtailAgent/internal/logging/logtail"
	"github.com/Chichichkin/LogtailAgent/internal/tailer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	agentLevel, _ := handler.ParseLevel(cfg.AgentLogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: agentLevel}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	// The drain outlives ctx so that lines read while the tailer stops are
	// still shipped.
	client := logtail.NewClient(cfg.SourceToken, cfg.ClientConfig(logger))
	d := drain.New(context.Background(), client, cfg.DrainConfig(logger))
	lines := slog.New(handler.New(d, cfg.HandlerOptions(os.Stdout)))

	t := tailer.New(ctx, cfg.TailerConfig(logger), lines)
	t.Start()

	var server *http.Server
	if cfg.MetricsAddr != "" {
		server = serveMetrics(logger, cfg.MetricsAddr, d, t)
	}
	if cfg.ReportInterval > 0 {
		go reportStats(ctx, logger, cfg.ReportInterval, d, t)
	}

	logger.Info("agent started", "endpoint", cfg.Endpoint, "log_path", cfg.LogRootPath, "node", cfg.NodeName)

	<-ctx.Done()
	logger.Info("shutting down")

	t.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()

	if server != nil {
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Warn("failed to stop metrics server", "err", err)
		}
	}

	if err := d.Stop(stopCtx); err != nil {
		return errors.Wrapf(err, "%d logs left unsent", d.Len())
	}
	logger.Info("agent stopped", "records_sent", d.Metrics().Stamp().RecordsSent)
	return nil
}

func serveMetrics(logger *slog.Logger, addr string, d *drain.Drain, t *tailer.Service) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		d.Metrics(),
		t.Metrics(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	return server
}

func reportStats(ctx context.Context, logger *slog.Logger, interval time.Duration, d *drain.Drain, t *tailer.Service) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ds := d.Metrics().Stamp()
			ts := t.Stats()

			logger.Info("stats",
				"queue_length", ds.QueueLength,
				"records_sent", ds.RecordsSent,
				"records_dropped", ds.RecordsDropped,
				"batches_failed", ds.BatchesFailed,
				"last_flush", ds.LastFlushDuration,
				"files_tailing", ts.FilesTailing,
				"files_discovered", ts.FilesDiscovered,
				"file_queue_usage", int(ts.GetQueueUsage()*100),
				"lines", ts.Lines,
			)

		case <-ctx.Done():
			return
		}
	}
}
