// Package main wires together the account service binary.
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

	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/api"
	"github.com/fletling/trainervault/internal/cache"
	"github.com/fletling/trainervault/internal/clock/system"
	"github.com/fletling/trainervault/internal/config"
	"github.com/fletling/trainervault/internal/device"
	"github.com/fletling/trainervault/internal/hibernate"
	"github.com/fletling/trainervault/internal/logging"
	"github.com/fletling/trainervault/internal/notify"
	"github.com/fletling/trainervault/internal/pool"
	"github.com/fletling/trainervault/internal/quarantine"
	"github.com/fletling/trainervault/internal/source"
	"github.com/fletling/trainervault/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Instance.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	store, err := postgres.NewAccountStore(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DBConnLifetime(),
	})
	if err != nil {
		logger.Fatal("account store init failed", zap.Error(err))
	}
	defer store.Close()

	recs, err := loadSource(cfg, logger)
	if err != nil {
		logger.Fatal("load account source failed", zap.Error(err))
	}

	working := cache.New(cache.Config{
		Instance:      cfg.Instance.ID,
		Dir:           cfg.Accounts.Directory,
		ReservedLevel: cfg.Accounts.ReservedLevel,
	}, store, device.New(), clock, logger.Named("cache"))
	trusted, err := working.Load(recs)
	if err != nil {
		logger.Fatal("build account working set failed", zap.Error(err))
	}
	// A trusted snapshot skips the store round-trip entirely.
	if !trusted {
		if err := working.Reconcile(ctx); err != nil {
			logger.Fatal("reconcile accounts failed", zap.Error(err))
		}
	}

	general := pool.NewGeneral(store, cfg.Instance.ID, 0, cfg.Accounts.ReservedLevel-1, logger.Named("pool"))
	captcha := pool.NewCaptcha(store, cfg.Instance.ID, logger.Named("pool"))
	preloaded := general.Preload(working.Working())
	logger.Info("account pool preloaded",
		zap.Int("working_set", working.Len()),
		zap.Int("preloaded", preloaded))

	var hook *notify.Webhook
	if cfg.ShadowBan.WebhookURL != "" {
		hook = notify.New(cfg.ShadowBan.WebhookURL, 0, logger.Named("notify"))
	}

	var forgetter hibernate.Forgetter
	if cfg.ShadowBan.Enabled {
		forgetter = quarantine.New(quarantine.Config{
			Window:            time.Duration(cfg.ShadowBan.WindowSeconds) * time.Second,
			MinSightings:      cfg.ShadowBan.MinSightings,
			MaxEncounterMiss:  cfg.ShadowBan.MaxEncounterMiss,
			CheckCooldown:     time.Duration(cfg.ShadowBan.CheckCooldownSeconds) * time.Second,
			MaxParallelChecks: cfg.ShadowBan.MaxParallelChecks,
			CommonSpecies:     cfg.ShadowBan.CommonPokemonIDs,
		}, clock, hook, logger)
	}

	lifecycle := hibernate.NewLifecycle(store, []hibernate.Remover{general, captcha}, forgetter, hook, cfg.Captcha.Allowed, clock, logger.Named("lifecycle"))
	policy := hibernate.PolicyFromDays(cfg.Hibernate.Days)
	sweeper := hibernate.NewSweeper(store, policy, cfg.SweepInterval(), logger.Named("sweeper"))

	apiServer := api.NewServer(store, general, captcha, lifecycle, sweeper, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go sweeper.Run(ctx)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := working.Save(); err != nil {
		logger.Error("snapshot save failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// loadSource gathers credential records from the configured file and inline
// list. Malformed records are logged, never fatal.
func loadSource(cfg config.Config, logger *zap.Logger) ([]source.Record, error) {
	opts := source.Options{
		DefaultPassword: cfg.Accounts.DefaultPassword,
		DefaultProvider: account.ProviderPTC,
	}

	var recs []source.Record
	if cfg.Accounts.CSVPath != "" {
		fileRecs, stats, err := source.LoadFile(cfg.Accounts.CSVPath, opts)
		if err != nil {
			return nil, err
		}
		logImportStats(logger, "file", stats)
		recs = append(recs, fileRecs...)
	}
	if len(cfg.Accounts.Inline) > 0 {
		inlineRecs, stats := source.ParseInline(cfg.Accounts.Inline, opts)
		logImportStats(logger, "inline", stats)
		recs = append(recs, inlineRecs...)
	}
	if len(recs) == 0 {
		return nil, errors.New("no account credentials configured")
	}
	return recs, nil
}

func logImportStats(logger *zap.Logger, origin string, stats source.Stats) {
	for _, err := range stats.Errors {
		logger.Warn("credential record skipped",
			zap.String("origin", origin), zap.Error(err))
	}
	logger.Info("credentials imported",
		zap.String("origin", origin),
		zap.Int("ok", stats.OK),
		zap.Int("failed", stats.Failed))
}
