// Package main запускает HTTP-сервер леджера стейкинга.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/staking-ledger/internal/clock"
	"github.com/mmeshcher/staking-ledger/internal/config"
	"github.com/mmeshcher/staking-ledger/internal/handler"
	"github.com/mmeshcher/staking-ledger/internal/metrics"
	"github.com/mmeshcher/staking-ledger/internal/middleware"
	"github.com/mmeshcher/staking-ledger/internal/repository"
	"github.com/mmeshcher/staking-ledger/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openRepository(cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	m := metrics.New()

	var (
		ledgerClock service.Clock = clock.System{}
		synced      *clock.Synced
	)
	switch {
	case cfg.LedgerTimeAddress != "":
		synced = clock.NewSynced(clock.NewLedgerSource(cfg.LedgerTimeAddress), cfg.ClockSyncInterval, logger, m)
	case cfg.NTPServer != "":
		synced = clock.NewSynced(clock.NewNTPSource(cfg.NTPServer), cfg.ClockSyncInterval, logger, m)
	}
	if synced != nil {
		ledgerClock = synced
	}

	svc := service.NewService(repo, middleware.ContextAuthorizer{}, ledgerClock, cfg.Custody())
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, middleware.NewRateLimiter(cfg.RateLimit), ledgerClock, m)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Синхронизация часов леджера с внешним источником
	if synced != nil {
		g.Go(func() error {
			synced.Run(ctx)
			return nil
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting staking ledger server",
			"addr", cfg.RunAddress,
			"custody", svc.Custody().Hex(),
			"postgres", cfg.DatabaseURI != "",
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// openRepository выбирает PostgreSQL, если задан DATABASE_URI, иначе встроенный LevelDB.
func openRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}

	repo, err := repository.NewLevelDBRepository(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
