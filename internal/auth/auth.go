// Package auth provides operator authentication and session management
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/config"
	"github.com/alexbotov/tegro/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrAccountNotActive   = errors.New("account is not active")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionNotFound    = errors.New("session not found")
	ErrOperatorExists     = errors.New("operator already exists")
)

// Service provides authentication functionality
type Service struct {
	db     *sql.DB
	config *config.AuthConfig
	audit  *audit.Service
}

// New creates a new auth service
func New(db *sql.DB, cfg *config.AuthConfig, auditSvc *audit.Service) *Service {
	return &Service{
		db:     db,
		config: cfg,
		audit:  auditSvc,
	}
}

// CreateOperator creates a new operator account
func (s *Service) CreateOperator(ctx context.Context, username, password string) (*domain.Operator, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if len(password) < 12 {
		return nil, errors.New("password must be at least 12 characters")
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM operators WHERE username = $1", username).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	if exists > 0 {
		return nil, ErrOperatorExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	operator := &domain.Operator{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Status:       domain.OperatorStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operators (id, username, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, operator.ID, operator.Username, operator.PasswordHash, operator.Status,
		operator.CreatedAt, operator.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}

	s.audit.Log(ctx, audit.EventOperatorCreated, domain.SeverityInfo,
		fmt.Sprintf("Operator created: %s", operator.Username),
		map[string]string{"operator_id": operator.ID},
		audit.WithOperator(operator.ID))

	return operator, nil
}

// LoginRequest contains login credentials
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse contains login result
type LoginResponse struct {
	Operator *domain.Operator `json:"operator"`
	Session  *domain.Session  `json:"session"`
	Token    string           `json:"token"`
}

// Login authenticates an operator
func (s *Service) Login(ctx context.Context, req *LoginRequest, ip, userAgent string) (*LoginResponse, error) {
	if s.isLockedOut(ctx, req.Username) {
		s.audit.Log(ctx, audit.EventLoginFailed, domain.SeverityWarning,
			fmt.Sprintf("Login attempt on locked account: %s", req.Username),
			map[string]string{"username": req.Username},
			audit.WithIP(ip))
		return nil, ErrAccountLocked
	}

	var operator domain.Operator
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, status, last_login_at, created_at, updated_at
		FROM operators WHERE username = $1
	`, req.Username).Scan(
		&operator.ID, &operator.Username, &operator.PasswordHash, &operator.Status,
		&operator.LastLoginAt, &operator.CreatedAt, &operator.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if errors.Is(err, sql.ErrNoRows) ||
		bcrypt.CompareHashAndPassword([]byte(operator.PasswordHash), []byte(req.Password)) != nil {
		s.recordFailedLogin(ctx, req.Username, ip)
		s.audit.Log(ctx, audit.EventLoginFailed, domain.SeverityWarning,
			fmt.Sprintf("Failed login: %s", req.Username),
			map[string]string{"username": req.Username},
			audit.WithIP(ip))
		return nil, ErrInvalidCredentials
	}

	if operator.Status != domain.OperatorStatusActive {
		return nil, ErrAccountNotActive
	}

	session, token, err := s.createSession(ctx, &operator, ip, userAgent)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.db.ExecContext(ctx, "UPDATE operators SET last_login_at = $1, updated_at = $2 WHERE id = $3",
		now, now, operator.ID)
	operator.LastLoginAt = &now

	s.db.ExecContext(ctx, "DELETE FROM failed_logins WHERE username = $1", operator.Username)

	s.audit.Log(ctx, audit.EventOperatorLogin, domain.SeverityInfo,
		fmt.Sprintf("Operator logged in: %s", operator.Username),
		map[string]string{"session_id": session.ID},
		audit.WithOperator(operator.ID), audit.WithIP(ip))

	return &LoginResponse{
		Operator: &operator,
		Session:  session,
		Token:    token,
	}, nil
}

// createSession creates a new session with JWT token
func (s *Service) createSession(ctx context.Context, operator *domain.Operator, ip, userAgent string) (*domain.Session, string, error) {
	now := time.Now().UTC()
	session := &domain.Session{
		ID:             uuid.New().String(),
		OperatorID:     operator.ID,
		IPAddress:      ip,
		UserAgent:      userAgent,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.config.TokenExpiry),
		Status:         domain.SessionStatusActive,
	}

	tokenString, err := s.signToken(session, operator.Username, now)
	if err != nil {
		return nil, "", err
	}
	session.Token = tokenString

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, operator_id, token, ip_address, user_agent, created_at, last_activity_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, session.ID, session.OperatorID, session.Token, session.IPAddress, session.UserAgent,
		session.CreatedAt, session.LastActivityAt, session.ExpiresAt, session.Status)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}

	return session, tokenString, nil
}

// signToken issues an HS256 JWT for the session
func (s *Service) signToken(session *domain.Session, username string, issuedAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"session_id":  session.ID,
		"operator_id": session.OperatorID,
		"username":    username,
		"exp":         session.ExpiresAt.Unix(),
		"iat":         issuedAt.Unix(),
	})

	tokenString, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// parseToken validates the signature and expiry and returns the session ID
func (s *Service) parseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		return "", ErrSessionExpired
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrSessionExpired
	}

	sessionID, ok := claims["session_id"].(string)
	if !ok || sessionID == "" {
		return "", ErrSessionExpired
	}
	return sessionID, nil
}

// ValidateToken validates a JWT token and returns the session
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*domain.Session, *domain.Operator, error) {
	sessionID, err := s.parseToken(tokenString)
	if err != nil {
		return nil, nil, err
	}

	var session domain.Session
	err = s.db.QueryRowContext(ctx, `
		SELECT id, operator_id, token, ip_address, user_agent, created_at, last_activity_at, expires_at, status
		FROM sessions WHERE id = $1
	`, sessionID).Scan(
		&session.ID, &session.OperatorID, &session.Token, &session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.LastActivityAt, &session.ExpiresAt, &session.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}

	if session.Status != domain.SessionStatusActive {
		return nil, nil, ErrSessionExpired
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		s.db.ExecContext(ctx, "UPDATE sessions SET status = $1 WHERE id = $2",
			domain.SessionStatusExpired, session.ID)
		return nil, nil, ErrSessionExpired
	}

	if time.Now().UTC().Sub(session.LastActivityAt) > s.config.SessionTimeout {
		s.db.ExecContext(ctx, "UPDATE sessions SET status = $1 WHERE id = $2",
			domain.SessionStatusExpired, session.ID)
		return nil, nil, ErrSessionExpired
	}

	operator, err := s.GetOperator(ctx, session.OperatorID)
	if err != nil {
		return nil, nil, err
	}
	if operator.Status != domain.OperatorStatusActive {
		return nil, nil, ErrAccountNotActive
	}

	now := time.Now().UTC()
	s.db.ExecContext(ctx, "UPDATE sessions SET last_activity_at = $1 WHERE id = $2", now, session.ID)
	session.LastActivityAt = now

	return &session, operator, nil
}

// Logout terminates a session
func (s *Service) Logout(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET status = $1 WHERE id = $2",
		domain.SessionStatusLoggedOut, session.ID)
	if err != nil {
		return err
	}

	s.audit.Log(ctx, audit.EventOperatorLogout, domain.SeverityInfo,
		"Operator logged out",
		map[string]string{"session_id": session.ID},
		audit.WithOperator(session.OperatorID))

	return nil
}

// GetOperator retrieves an operator by ID
func (s *Service) GetOperator(ctx context.Context, operatorID string) (*domain.Operator, error) {
	var operator domain.Operator
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, status, last_login_at, created_at, updated_at
		FROM operators WHERE id = $1
	`, operatorID).Scan(
		&operator.ID, &operator.Username, &operator.Status,
		&operator.LastLoginAt, &operator.CreatedAt, &operator.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("operator not found")
		}
		return nil, err
	}
	return &operator, nil
}

// isLockedOut checks if the username has too many recent failed attempts
func (s *Service) isLockedOut(ctx context.Context, username string) bool {
	cutoff := time.Now().UTC().Add(-s.config.LockoutDuration)
	var count int
	s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM failed_logins WHERE username = $1 AND attempted_at > $2",
		username, cutoff).Scan(&count)
	return count >= s.config.MaxFailedAttempts
}

// recordFailedLogin records a failed login attempt
func (s *Service) recordFailedLogin(ctx context.Context, username, ip string) {
	s.db.ExecContext(ctx, `
		INSERT INTO failed_logins (id, username, ip_address, attempted_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New().String(), username, ip, time.Now().UTC())
}
