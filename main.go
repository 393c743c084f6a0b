package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aio/gateway/internal/adapter/cliproxy"
	"github.com/aio/gateway/internal/adapter/emitter"
	"github.com/aio/gateway/internal/adapter/providerstore"
	"github.com/aio/gateway/internal/adapter/sessionbinder"
	"github.com/aio/gateway/internal/circuitbreaker"
	"github.com/aio/gateway/internal/cleanup"
	"github.com/aio/gateway/internal/config"
	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/forwarder"
	"github.com/aio/gateway/internal/gateway"
	"github.com/aio/gateway/internal/httpapi"
	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/internal/logsink"
	"github.com/aio/gateway/internal/version"
)

func main() {
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	var store *providerstore.Store

	cfg, err := config.Load(func() {
		reloaded, err := config.Reload()
		if err != nil {
			return
		}
		if store != nil {
			store.Update(reloaded)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, loggerCleanup, err := logger.NewWithTheme(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.LogDir,
		Theme:      cfg.Logging.Theme,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerCleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("initialising", "version", version.Version, "pid", os.Getpid())

	store = providerstore.New(cfg)

	credResolver := providerstore.NewCredentialResolver()

	breaker := circuitbreaker.New(
		circuitbreaker.WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold),
		circuitbreaker.WithOpenWindow(cfg.CircuitBreaker.OpenWindow),
	)

	binder := sessionbinder.New(constants.DefaultStickyWindow)

	persister := logsink.NewNoopPersister(styledLogger)
	sink := logsink.New(persister, styledLogger)

	circuitEmitter := emitter.New(styledLogger)
	proxySync := cliproxy.New(styledLogger)

	fw := forwarder.New(store, breaker, credResolver, binder, sink, forwarder.Config{
		MaxAttemptsPerProvider: cfg.Forwarder.MaxAttemptsPerProvider,
		FirstByteTimeout:       cfg.Forwarder.FirstByteTimeout,
		CooldownSeconds:        cfg.Forwarder.CooldownSeconds,
	})

	handler := httpapi.New(fw, styledLogger)

	mgr := gateway.New(handler, styledLogger, gateway.Config{
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	},
		sink.RunRequestDrain,
		sink.RunAttemptDrain,
		func(taskCtx context.Context) { emitter.Run(taskCtx, breaker.Events(), circuitEmitter) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	status, err := mgr.Start(ctx, cfg.Server.Host, cfg.Server.PreferredPort, cfg.Server.PortFallbackN)
	if err != nil {
		styledLogger.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}
	styledLogger.Info("gateway listening", "base_url", status.BaseURL, "port", status.Port)

	if err := proxySync.PointAt(ctx, status.BaseURL); err != nil {
		styledLogger.Warn("cli proxy sync point-at failed", "error", err)
	}

	coordinator := cleanup.New(mgr, proxySync, styledLogger)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.DefaultCleanupWait)
	defer shutdownCancel()
	coordinator.Run(shutdownCtx)

	styledLogger.Info("gateway has shut down")
}
