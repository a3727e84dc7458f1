package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"colisflow/delivery"
	"colisflow/identity"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = fmt.Errorf("auth: password must be at least 8 characters: %w", delivery.ErrValidation)
)

// Profiles creates the participant profile that goes with a new account.
type Profiles interface {
	Register(ctx context.Context, id, displayName string) (identity.Profile, error)
}

// Service handles registration and login.
type Service struct {
	repo        Repository
	profiles    Profiles
	tokens      *Issuer
	idGenerator func() string
	now         func() time.Time
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token   string
	Account Account
}

func NewService(repo Repository, profiles Profiles, tokens *Issuer) *Service {
	return &Service{
		repo:        repo,
		profiles:    profiles,
		tokens:      tokens,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Register creates an account and its participant profile. New accounts are
// never admins; operators promote them out of band.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Account, error) {
	if len(req.Password) < 8 {
		return Account{}, ErrWeakPassword
	}
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || name == "" || !strings.Contains(email, "@") {
		return Account{}, fmt.Errorf("auth: email and display_name are required: %w", delivery.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, fmt.Errorf("auth: hash password: %w", err)
	}
	account, err := s.repo.CreateAccount(ctx, Account{
		ID:           s.idGenerator(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return Account{}, err
	}
	if s.profiles != nil {
		if _, err := s.profiles.Register(ctx, account.ID, name); err != nil {
			return Account{}, fmt.Errorf("auth: create profile: %w", err)
		}
	}
	return account, nil
}

// Login checks the password and returns a bearer token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	token, err := s.tokens.Issue(account.ID, account.Admin)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, Account: account}, nil
}
