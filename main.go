package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexbotov/tegro/internal/api"
	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/auth"
	"github.com/alexbotov/tegro/internal/config"
	"github.com/alexbotov/tegro/internal/control"
	"github.com/alexbotov/tegro/internal/database"
	"github.com/alexbotov/tegro/internal/limits"
	"github.com/alexbotov/tegro/internal/logger"
	"github.com/alexbotov/tegro/internal/payments"
	"github.com/alexbotov/tegro/pkg/tegro"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}

	auditSvc := audit.New(db.DB)
	authSvc := auth.New(db.DB, &cfg.Auth, auditSvc)

	if cfg.Auth.BootstrapUser != "" {
		_, err := authSvc.CreateOperator(ctx, cfg.Auth.BootstrapUser, cfg.Auth.BootstrapPassword)
		switch {
		case err == nil:
			log.Info("bootstrap operator created", zap.String("username", cfg.Auth.BootstrapUser))
		case errors.Is(err, auth.ErrOperatorExists):
		default:
			return fmt.Errorf("failed to create bootstrap operator: %w", err)
		}
	}

	controlSvc := control.New(db.DB, auditSvc)
	if err := controlSvc.LoadState(ctx); err != nil {
		return fmt.Errorf("failed to load payout state: %w", err)
	}
	if !controlSvc.Status().PayoutsEnabled {
		log.Warn("payouts are disabled", zap.String("reason", controlSvc.Status().DisabledReason))
	}

	limitsSvc := limits.New(cfg.Limits, limits.NewDBTotals(db.DB))

	client := tegro.NewClient(&tegro.ClientConfig{
		BaseURL:   cfg.Tegro.BaseURL,
		PayURL:    cfg.Tegro.PayURL,
		ShopID:    cfg.Tegro.ShopID,
		APIKey:    cfg.Tegro.APIKey,
		SecretKey: cfg.Tegro.SecretKey,
		Timeout:   cfg.Tegro.Timeout,
	})

	hub := api.NewHub(log.Named("events"))
	defer hub.Close()

	paymentSvc := payments.New(client, payments.NewPostgresRepository(db.DB), controlSvc, limitsSvc, auditSvc,
		payments.WithPublisher(hub),
		payments.WithLogger(log.Named("payments")),
		payments.WithTestMode(cfg.Tegro.Test))

	handler := api.New(authSvc, paymentSvc, controlSvc, auditSvc, hub, db, log.Named("api"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.SetupRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("shop_id", client.ShopID()),
			zap.Bool("test_mode", cfg.Tegro.Test))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
