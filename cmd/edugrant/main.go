// Package main запускает HTTP-сервер сервиса стипендий.
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

	"github.com/mmeshcher/edugrant-system/internal/config"
	"github.com/mmeshcher/edugrant-system/internal/fees"
	"github.com/mmeshcher/edugrant-system/internal/handler"
	"github.com/mmeshcher/edugrant-system/internal/ledger"
	"github.com/mmeshcher/edugrant-system/internal/middleware"
	"github.com/mmeshcher/edugrant-system/internal/repository"
	"github.com/mmeshcher/edugrant-system/internal/service"
	"github.com/mmeshcher/edugrant-system/internal/settlement"
	"github.com/mmeshcher/edugrant-system/internal/verifier"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var gateway *verifier.Gateway
	if cfg.VerifierAddress != "" {
		gateway = verifier.NewGateway(verifier.NewClient(cfg.VerifierAddress), repo, cfg.VerifierTimeout, logger)
	}

	var executor *settlement.Executor
	if cfg.LedgerAddress != "" {
		executor = settlement.NewExecutor(repo, ledger.NewClient(cfg.LedgerAddress), logger, cfg.SettlementMaxAttempts)
	}

	svc := service.NewService(repo, gateway, executor, service.Options{
		FeePolicy:        fees.NewPolicy(cfg.PlatformFeePct, cfg.ReservePoolPct, cfg.FixedDeduction),
		ReviewerLogin:    cfg.ReviewerLogin,
		ReviewerPassword: cfg.ReviewerPassword,
	}, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware("edugrant-secret")
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых процессов: дообработка вердиктов и досылка выпуска активов
	g.Go(func() error {
		svc.StartVerdictUpdates(ctx)
		svc.StartIssuanceUpdates(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting edugrant server", "addr", cfg.RunAddress)
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
