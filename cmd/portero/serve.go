package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidahmann/portero/core/api"
	"github.com/davidahmann/portero/core/config"
	"github.com/davidahmann/portero/core/logx"
	"github.com/davidahmann/portero/core/session"
	"github.com/davidahmann/portero/core/telemetry"
)

const shutdownGrace = 10 * time.Second

func runServe(arguments []string) int {
	flagSet := newFlagSet("serve")
	configPath := flagSet.String("config", config.DefaultPath, "path to config file")
	listen := flagSet.String("listen", "", "listen address, overrides server.listen")
	helpFlag := flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(arguments); err != nil {
		return writeFailure(false, "serve", err, exitInvalidInput)
	}
	if *helpFlag {
		printUsage()
		return exitOK
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return writeFailure(false, "serve", err, exitInvalidInput)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	logger, err := logx.New(cfg.Logging.Format, cfg.Logging.Level, stderr)
	if err != nil {
		return writeFailure(false, "serve", invalidConfig(err), exitInvalidInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, logger); err != nil {
		return writeFailure(false, "serve", err, exitInternalFailure)
	}
	return exitOK
}

// serve runs until ctx ends, then drains live calls for shutdownGrace.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Settings{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Required:    cfg.Telemetry.Enabled,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	rt := newRuntime(cfg, logger)
	defer rt.Close()
	if err := rt.open(ctx); err != nil {
		return err
	}
	manager, err := session.NewManager(session.Options{
		Engine:      rt.engine,
		Store:       rt.store,
		Inbox:       rt.inbox,
		Logger:      logger,
		Retention:   config.MustDuration(cfg.Checkpoint.Retention),
		InboxMaxAge: config.MustDuration(cfg.Engine.DefaultMaxWait) * 2,
	})
	if err != nil {
		return err
	}
	if _, err := manager.Recover(ctx); err != nil {
		return err
	}
	go manager.RunSweeper(ctx, config.MustDuration(cfg.Checkpoint.SweepInterval))
	if rt.lark != nil {
		go func() {
			if err := rt.lark.Listen(ctx); err != nil && ctx.Err() == nil {
				logger.Error("lark listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	handler, err := api.NewHandler(api.Config{
		Manager:         manager,
		Store:           rt.store,
		Hub:             rt.hub,
		Inbox:           rt.inbox,
		Logger:          logger,
		Token:           config.Secret(cfg.Server.TokenEnv),
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		OriginPatterns:  cfg.Server.OriginPatterns,
	})
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("portero listening", slog.String("listen", cfg.Server.Listen), slog.String("version", version))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	_ = server.Shutdown(drainCtx)
	if err := manager.Shutdown(drainCtx); err != nil {
		logger.Warn("calls still live at shutdown resume on next start", slog.Int("calls", len(manager.Active())))
	}
	return nil
}
