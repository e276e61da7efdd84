package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/alerts"
	"perp-paper-trader/internal/api"
	"perp-paper-trader/internal/database"
	"perp-paper-trader/internal/engine"
	"perp-paper-trader/internal/events"
	"perp-paper-trader/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage is optional at startup: the engine runs memory-only when the
	// database is unreachable.
	var repo *database.Repository
	db, err := database.NewDB(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, running memory-only")
	} else {
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		repo = database.NewRepository(db)
	}

	bus := events.NewBus()

	var alertMgr *alerts.Manager
	writer := database.NewWriter(repo, func(err error) {
		alertMgr.Raise("storage", alerts.LevelError,
			fmt.Sprintf("storage unavailable, continuing memory-only: %v", err))
	})
	alertMgr = alerts.NewManager(cfg.Alerts, writer, bus)
	writer.Start()

	eng, err := engine.New(cfg, repo, writer, bus, alertMgr)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	hub := api.NewHub(bus, cfg.API.WSPushInterval)
	go hub.Run(ctx)

	server := api.NewServer(cfg.API, eng, repo, hub)
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("api server error")
	}

	// ctx is cancelled here; drain the pipeline and flush the DAO.
	eng.Stop()
	log.Info().Msg("shutdown complete")
	return nil
}
