package control

import (
	"context"
	"os"
	"testing"

	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/database"
)

func setupTestControl(t *testing.T) (*Service, *database.DB) {
	t.Helper()

	dsn := os.Getenv("TEGRO_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEGRO_TEST_DB_DSN not set")
	}

	db, err := database.New("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	if err := db.CleanData(); err != nil {
		t.Fatalf("Failed to clean data: %v", err)
	}
	t.Cleanup(func() {
		db.CleanData()
		db.Close()
	})

	return New(db.DB, audit.New(db.DB)), db
}

func TestPayouts_InitiallyEnabled(t *testing.T) {
	svc := New(nil, nil)

	if err := svc.CheckPayout(36); err != nil {
		t.Errorf("Payouts should be enabled by default, got %v", err)
	}
	if !svc.Status().PayoutsEnabled {
		t.Error("Expected status to report payouts enabled")
	}
	if len(svc.DisabledPaymentSystems()) != 0 {
		t.Error("Expected no disabled payment systems")
	}
}

func TestDisablePayouts(t *testing.T) {
	svc, db := setupTestControl(t)
	ctx := context.Background()

	t.Run("Disable", func(t *testing.T) {
		if err := svc.DisablePayouts(ctx, "Key rotation", "ops"); err != nil {
			t.Fatalf("Failed to disable payouts: %v", err)
		}
		if err := svc.CheckPayout(36); err != ErrPayoutsDisabled {
			t.Errorf("Expected ErrPayoutsDisabled, got %v", err)
		}

		status := svc.Status()
		if status.PayoutsEnabled || status.DisabledBy != "ops" || status.DisabledReason != "Key rotation" {
			t.Errorf("Unexpected status: %+v", status)
		}
	})

	t.Run("StateSurvivesRestart", func(t *testing.T) {
		restarted := New(db.DB, audit.New(db.DB))
		if err := restarted.LoadState(ctx); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		if err := restarted.CheckPayout(36); err != ErrPayoutsDisabled {
			t.Errorf("Expected ErrPayoutsDisabled after reload, got %v", err)
		}
		if restarted.Status().DisabledReason != "Key rotation" {
			t.Errorf("Expected reason to be reloaded, got %+v", restarted.Status())
		}
	})

	t.Run("Enable", func(t *testing.T) {
		if err := svc.EnablePayouts(ctx, "ops"); err != nil {
			t.Fatalf("Failed to enable payouts: %v", err)
		}
		if err := svc.CheckPayout(36); err != nil {
			t.Errorf("Expected payouts enabled, got %v", err)
		}
	})
}

func TestDisablePaymentSystem(t *testing.T) {
	svc, db := setupTestControl(t)
	ctx := context.Background()

	if err := svc.DisablePaymentSystem(ctx, 36, "Provider outage", "ops"); err != nil {
		t.Fatalf("Failed to disable payment system: %v", err)
	}
	if err := svc.CheckPayout(36); err != ErrPaymentSystemDisabled {
		t.Errorf("Expected ErrPaymentSystemDisabled, got %v", err)
	}
	if err := svc.CheckPayout(5); err != nil {
		t.Errorf("Other payment systems should stay enabled, got %v", err)
	}

	restarted := New(db.DB, audit.New(db.DB))
	if err := restarted.LoadState(ctx); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if err := restarted.CheckPayout(36); err != ErrPaymentSystemDisabled {
		t.Errorf("Expected disabled payment system after reload, got %v", err)
	}

	if err := svc.EnablePaymentSystem(ctx, 36, "ops"); err != nil {
		t.Fatalf("Failed to enable payment system: %v", err)
	}
	if err := svc.CheckPayout(36); err != nil {
		t.Errorf("Expected payment system enabled, got %v", err)
	}
}
