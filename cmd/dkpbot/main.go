package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makorehaps/dkpbot/internal/auction"
	"github.com/makorehaps/dkpbot/internal/authz"
	"github.com/makorehaps/dkpbot/internal/bot"
	"github.com/makorehaps/dkpbot/internal/bot/commands"
	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/config"
	"github.com/makorehaps/dkpbot/internal/dkp"
	"github.com/makorehaps/dkpbot/internal/health"
	"github.com/makorehaps/dkpbot/internal/leader"
	"github.com/makorehaps/dkpbot/internal/store"
	"github.com/makorehaps/dkpbot/internal/telemetry"

	// Register journal drivers so they are available via store.Open.
	_ "github.com/makorehaps/dkpbot/internal/store/memory"
	_ "github.com/makorehaps/dkpbot/internal/store/postgres"
	_ "github.com/makorehaps/dkpbot/internal/store/sqlite"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults only when empty)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logFile, err := telemetry.OpenLogFile(cfg.Log.Dir, clk.Now())
	if err != nil {
		return err
	}
	defer logFile.Close()

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.NewLineHandler(logFile, level))
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
		tp.Logger = slog.New(telemetry.NewLineHandler(logFile, level))
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger

	token, err := promptToken(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	// Open the audit journal using the configured driver.
	journal, err := store.Open(ctx, cfg.Journal, clk)
	if err != nil {
		return fmt.Errorf("opening journal (driver=%s): %w", cfg.Journal.Driver, err)
	}
	defer journal.Closer.Close()

	logger.InfoContext(ctx, fmt.Sprintf("journal opened with %s driver", cfg.Journal.Driver), slog.String("driver", cfg.Journal.Driver))

	ledger := dkp.NewLedger(journal.Events, logger, tp.TracerProvider, tp.MeterProvider, clk)
	auctions := auction.NewRegistry(cfg.Auction.MaxBid, journal.Events, logger, tp.TracerProvider, tp.MeterProvider, clk)
	policy := authz.NewPolicy(cfg.Roles.General, cfg.Roles.Commander)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "journal",
			Check: journal.Ping,
		},
	)

	// Start HTTP server for health checks (runs on all replicas).
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           healthHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, fmt.Sprintf("starting health server on port %d", cfg.Server.Port), slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, fmt.Sprintf("health server error: %v", listenErr), slog.Any("error", listenErr))
		}
	}()

	// runBot is the core work that only the leader should run. It blocks
	// until ctx is done.
	runBot := func(ctx context.Context) error {
		discordBot, botErr := bot.New(token, cfg.Bot, logger, tp.TracerProvider)
		if botErr != nil {
			return fmt.Errorf("creating bot: %w", botErr)
		}

		dispatcher := commands.NewDispatcher(ledger, auctions, policy, discordBot.Directory(), commands.Options{
			Prefix:       cfg.Bot.Prefix,
			WipePhrase:   cfg.Wipe.Confirmation,
			HistoryLimit: cfg.Bot.HistoryLimit,
		}, logger, tp.TracerProvider, tp.MeterProvider)

		if botErr = discordBot.Start(ctx, dispatcher); botErr != nil {
			return fmt.Errorf("starting bot: %w", botErr)
		}
		healthHandler.AddChecker(health.Checker{Name: "discord", Check: discordBot.Ping})
		healthHandler.SetReady(true)
		logger.InfoContext(ctx, fmt.Sprintf("dkpbot %s is running", version), slog.String("version", version))

		<-ctx.Done()
		logger.Info("shutting down...")

		healthHandler.SetReady(false)
		if stopErr := discordBot.Stop(); stopErr != nil {
			logger.Error(fmt.Sprintf("bot shutdown error: %v", stopErr), slog.Any("error", stopErr))
		}
		return nil
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		elector := leader.NewElector(cfg.LeaderElection, leader.InCluster, logger)
		if leaderErr := elector.Run(ctx, runBot); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else if botErr := runBot(ctx); botErr != nil {
		return botErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(fmt.Sprintf("http server shutdown error: %v", err), slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
