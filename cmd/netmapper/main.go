package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/config"
	"github.com/HerbHall/netmapper/internal/event"
	"github.com/HerbHall/netmapper/internal/metrics"
	"github.com/HerbHall/netmapper/internal/mqtt"
	"github.com/HerbHall/netmapper/internal/plugin"
	"github.com/HerbHall/netmapper/internal/scan"
	"github.com/HerbHall/netmapper/internal/server"
	"github.com/HerbHall/netmapper/internal/services"
	"github.com/HerbHall/netmapper/internal/store"
	"github.com/HerbHall/netmapper/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "watch":
			runWatch(os.Args[2:])
			return
		case "backup":
			runBackup(os.Args[2:])
			return
		case "restore":
			runRestore(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}
	runServe(os.Args[1:])
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.GetBool("log.development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("netmapper starting", zap.String("version", version.Short()))

	m := metrics.New()
	hub := event.NewHub(logger.Named("hub"),
		event.WithBuffer(cfg.GetInt("event.buffer")),
		event.WithObserver(m),
	)
	devices := store.NewDeviceStore()

	// History database
	db, err := store.New(cfg.GetString("history.dsn"))
	if err != nil {
		logger.Fatal("failed to open history database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(context.Background(), "history", services.HistoryMigrations()); err != nil {
		logger.Fatal("failed to migrate history database", zap.Error(err))
	}

	scanModule := scan.NewModule(devices, hub,
		scan.WithHistory(services.NewSQLiteHistoryRepository(db.DB()), cfg.GetInt("history.limit")),
		scan.WithDeviceArchive(services.NewSQLiteDeviceArchive(db.DB())),
		scan.WithModuleMetrics(m),
	)

	// Compile-time composition
	registry := plugin.NewRegistry(logger)
	for _, p := range []plugin.Plugin{scanModule, mqtt.NewBridge(hub)} {
		if err := registry.Register(p); err != nil {
			logger.Fatal("failed to register plugin", zap.Error(err))
		}
	}
	if err := registry.InitAll(cfg); err != nil {
		logger.Fatal("failed to initialize plugins", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := registry.StartAll(ctx); err != nil {
		logger.Fatal("failed to start plugins", zap.Error(err))
	}

	srv := server.New(cfg.Addr(), registry, hub, devices, logger,
		server.WithCORSOrigin(cfg.GetString("server.cors_origin")),
		server.WithWriteTimeout(cfg.GetDuration("server.ws_write_timeout")),
		server.WithMockMode(scanModule.MockMode()),
		server.WithMetricsHandler(m.Handler()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("netmapper ready",
		zap.String("addr", cfg.Addr()),
		zap.Bool("mock_mode", scanModule.MockMode()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// StopAll cancels a running scan before live streams close.
	registry.StopAll()
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	hub.Close()

	logger.Info("netmapper stopped")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
