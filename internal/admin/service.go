// Package admin manages operator accounts and their session tokens.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInactive is returned when a disabled account tries to log in.
	ErrInactive = errors.New("admin account is inactive")
)

// ValidationError describes unacceptable registration input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Service implements registration and login.
type Service struct {
	repo   Repository
	cost   int
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, cost: bcrypt.DefaultCost, logger: logger}
}

// SetBcryptCost overrides the password hashing cost. Tests use bcrypt.MinCost.
func (s *Service) SetBcryptCost(cost int) {
	s.cost = cost
}

// Register creates an active admin account.
func (s *Service) Register(ctx context.Context, username, password, email, fullName string) (*Admin, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 {
		return nil, &ValidationError{Msg: "Username must be at least 3 characters"}
	}
	if len(password) < 6 {
		return nil, &ValidationError{Msg: "Password must be at least 6 characters"}
	}
	if !strings.Contains(email, "@") {
		return nil, &ValidationError{Msg: "Invalid email"}
	}
	if len(strings.TrimSpace(fullName)) < 2 {
		return nil, &ValidationError{Msg: "Full name required"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	a := &Admin{
		Username:     username,
		PasswordHash: string(hash),
		Email:        email,
		FullName:     fullName,
		IsActive:     true,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("create admin: %w", err)
	}

	s.logger.Info("admin registered",
		zap.String("admin_id", a.ID.String()),
		zap.String("username", a.Username),
	)
	return a, nil
}

// Login checks credentials and returns the account on success.
func (s *Service) Login(ctx context.Context, username, password string) (*Admin, error) {
	a, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup admin: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !a.IsActive {
		return nil, ErrInactive
	}
	return a, nil
}
