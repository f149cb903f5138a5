// Command berry-api runs the Berry API reverse proxy: flag-based startup,
// signal-driven graceful shutdown, mux wiring.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/admin"
	"github.com/berry-api/berry/internal/dispatch"
	"github.com/berry-api/berry/internal/forwarder"
	"github.com/berry-api/berry/internal/health"
	"github.com/berry-api/berry/internal/httpapi"
	"github.com/berry-api/berry/internal/logging"
	"github.com/berry-api/berry/internal/metrics"
	"github.com/berry-api/berry/internal/prober"
	"github.com/berry-api/berry/internal/selector"
)

func main() {
	configPath := flag.String("config", "berry.toml", "path to the TOML configuration file")
	jwtSecret := flag.String("jwt-secret", os.Getenv("BERRY_JWT_SECRET"), "HMAC secret for optional JWT bearer tokens")
	flag.Parse()

	if err := run(*configPath, *jwtSecret); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, jwtSecret string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	logger, err := logging.New(cfg.Settings.LogLevel, cfg.Settings.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing := setupTracing(logger)
	defer shutdownTracing()

	clk := clock.New()

	registry := health.NewRegistry(
		clk,
		float64(cfg.Settings.RequestTimeoutSeconds)*1000,
		cfg.Settings.CircuitBreakerFailureThreshold,
		time.Duration(cfg.Settings.CircuitBreakerTimeoutSeconds)*time.Second,
	)
	registry.Seed(cfg)

	forwarders := make(map[string]*forwarder.Forwarder, len(cfg.Providers))
	for id, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		timeout := time.Duration(p.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = time.Duration(cfg.Settings.RequestTimeoutSeconds) * time.Second
		}
		forwarders[id] = forwarder.New(p, timeout)
	}

	dispatchForwarders := make(map[string]dispatch.Invoker, len(forwarders))
	for id, f := range forwarders {
		dispatchForwarders[id] = f
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(cfg.Settings.MetricsNamespace, promRegistry)

	strategies := selector.NewRegistry(selector.NewRoundRobinCounters())
	driver := dispatch.New(cfg.Settings, strategies, registry, dispatchForwarders, m, clk)

	p := prober.New(cfg, registry, forwarders, m, clk, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go p.Run(ctx)

	adminServer := admin.New(cfg, registry, cfg.Settings.AdminToken)
	apiServer := httpapi.New(cfg, driver, m, logger, jwtSecret)
	handler := apiServer.Handler(adminServer, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.Settings.ListenAddr,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("starting berry-api", "addr", cfg.Settings.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Settings.RequestTimeoutSeconds)*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// setupTracing wires an OTLP HTTP trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set, else leaves the global tracer a no-op.
func setupTracing(logger interface {
	Warnw(string, ...interface{})
}) func() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func() {}
	}

	exporter, err := otlptracehttp.New(context.Background())
	if err != nil {
		logger.Warnw("failed to start otlp trace exporter", "error", err)
		return func() {}
	}

	res, _ := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName("berry-api")),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}
}
