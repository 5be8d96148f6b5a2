package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/config"
	"github.com/alexbotov/tegro/internal/database"
	"github.com/alexbotov/tegro/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const testPassword = "correct-horse-battery"

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		JWTSecret:         "test-secret-key",
		TokenExpiry:       time.Hour,
		SessionTimeout:    30 * time.Minute,
		MaxFailedAttempts: 3,
		LockoutDuration:   30 * time.Minute,
	}
}

// setupTestAuth creates an auth service backed by the test database or skips
func setupTestAuth(t *testing.T) *Service {
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
	t.Cleanup(func() { db.Close() })

	return New(db.DB, testAuthConfig(), audit.New(db.DB))
}

func TestSignAndParseToken(t *testing.T) {
	svc := New(nil, testAuthConfig(), nil)
	now := time.Now().UTC()
	session := &domain.Session{
		ID:         "session-1",
		OperatorID: "operator-1",
		ExpiresAt:  now.Add(time.Hour),
	}

	token, err := svc.signToken(session, "ops", now)
	if err != nil {
		t.Fatalf("signToken failed: %v", err)
	}

	sessionID, err := svc.parseToken(token)
	if err != nil {
		t.Fatalf("parseToken failed: %v", err)
	}
	if sessionID != "session-1" {
		t.Errorf("Expected session-1, got %s", sessionID)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	svc := New(nil, testAuthConfig(), nil)
	now := time.Now().UTC()

	t.Run("Expired", func(t *testing.T) {
		session := &domain.Session{ID: "s", OperatorID: "o", ExpiresAt: now.Add(-time.Minute)}
		token, _ := svc.signToken(session, "ops", now.Add(-time.Hour))
		if _, err := svc.parseToken(token); err != ErrSessionExpired {
			t.Errorf("Expected ErrSessionExpired, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := New(nil, &config.AuthConfig{JWTSecret: "other"}, nil)
		session := &domain.Session{ID: "s", OperatorID: "o", ExpiresAt: now.Add(time.Hour)}
		token, _ := other.signToken(session, "ops", now)
		if _, err := svc.parseToken(token); err != ErrSessionExpired {
			t.Errorf("Expected ErrSessionExpired, got %v", err)
		}
	})

	t.Run("NoneAlgorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"session_id": "s"})
		signed, _ := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if _, err := svc.parseToken(signed); err != ErrSessionExpired {
			t.Errorf("Expected ErrSessionExpired, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		if _, err := svc.parseToken("not-a-token"); err != ErrSessionExpired {
			t.Errorf("Expected ErrSessionExpired, got %v", err)
		}
	})
}

func TestLogin_Success(t *testing.T) {
	svc := setupTestAuth(t)
	ctx := context.Background()

	operator, err := svc.CreateOperator(ctx, "ops", testPassword)
	if err != nil {
		t.Fatalf("CreateOperator failed: %v", err)
	}

	result, err := svc.Login(ctx, &LoginRequest{Username: "ops", Password: testPassword}, "127.0.0.1", "test")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.Operator.ID != operator.ID || result.Token == "" {
		t.Errorf("Unexpected login result: %+v", result)
	}

	session, op, err := svc.ValidateToken(ctx, result.Token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if session.ID != result.Session.ID || op.Username != "ops" {
		t.Errorf("Unexpected session/operator: %+v %+v", session, op)
	}

	if err := svc.Logout(ctx, session); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, _, err := svc.ValidateToken(ctx, result.Token); err != ErrSessionExpired {
		t.Errorf("Expected ErrSessionExpired after logout, got %v", err)
	}
}

func TestLogin_InvalidPassword(t *testing.T) {
	svc := setupTestAuth(t)
	ctx := context.Background()

	if _, err := svc.CreateOperator(ctx, "ops", testPassword); err != nil {
		t.Fatalf("CreateOperator failed: %v", err)
	}

	_, err := svc.Login(ctx, &LoginRequest{Username: "ops", Password: "wrong-password"}, "127.0.0.1", "test")
	if err != ErrInvalidCredentials {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}

	_, err = svc.Login(ctx, &LoginRequest{Username: "nobody", Password: testPassword}, "127.0.0.1", "test")
	if err != ErrInvalidCredentials {
		t.Errorf("Expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestLogin_Lockout(t *testing.T) {
	svc := setupTestAuth(t)
	ctx := context.Background()

	if _, err := svc.CreateOperator(ctx, "ops", testPassword); err != nil {
		t.Fatalf("CreateOperator failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		svc.Login(ctx, &LoginRequest{Username: "ops", Password: "wrong-password"}, "127.0.0.1", "test")
	}

	_, err := svc.Login(ctx, &LoginRequest{Username: "ops", Password: testPassword}, "127.0.0.1", "test")
	if err != ErrAccountLocked {
		t.Errorf("Expected ErrAccountLocked, got %v", err)
	}
}

func TestCreateOperator_Duplicate(t *testing.T) {
	svc := setupTestAuth(t)
	ctx := context.Background()

	if _, err := svc.CreateOperator(ctx, "ops", testPassword); err != nil {
		t.Fatalf("CreateOperator failed: %v", err)
	}
	if _, err := svc.CreateOperator(ctx, "ops", testPassword); err != ErrOperatorExists {
		t.Errorf("Expected ErrOperatorExists, got %v", err)
	}
}
