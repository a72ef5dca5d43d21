package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/repository"
	"github.com/membergate/membergate/internal/session"
	"github.com/membergate/membergate/pkg/crypto"
)

// ErrInvalidCredentials covers both an unknown email and a wrong password.
// The two cases are deliberately indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrEmailTaken is returned when signup hits an already-registered email.
var ErrEmailTaken = errors.New("auth: email already registered")

// dummyHash is compared against when the email is unknown so login timing
// does not reveal whether an account exists.
var dummyHash = []byte("$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW")

// SessionStore is the session lifecycle the service depends on.
type SessionStore interface {
	Create(ctx context.Context, username string) (string, error)
	Resolve(ctx context.Context, token string) (domain.Session, error)
	Destroy(ctx context.Context, token string) error
	TTL() time.Duration
}

// Service handles registration, credential verification, and session
// lifecycle. It owns no HTTP concerns; handlers feed it validated input.
type Service struct {
	users    repository.UserRepository
	sessions SessionStore
	logger   *slog.Logger
	hashCost int
}

// New constructs a Service.
func New(users repository.UserRepository, sessions SessionStore, logger *slog.Logger, hashCost int) Service {
	return Service{users: users, sessions: sessions, logger: logger, hashCost: hashCost}
}

// SessionTTL exposes the absolute session lifetime for cookie max-age.
func (s Service) SessionTTL() time.Duration {
	return s.sessions.TTL()
}

// Signup registers a new user and establishes a session for them.
// Input must already be schema-validated; no partial state survives a
// failed insert.
func (s Service) Signup(ctx context.Context, username, email, password string) (*domain.User, string, error) {
	hash, err := crypto.HashPassword(password, s.hashCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", fmt.Errorf("create user: %w", err)
	}
	token, err := s.sessions.Create(ctx, user.Username)
	if err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login verifies credentials and establishes a session. Unknown email and
// wrong password both come back as ErrInvalidCredentials.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Burn a compare so the miss costs the same as a mismatch.
			_ = crypto.ComparePassword(dummyHash, password)
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("lookup user: %w", err)
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.sessions.Create(ctx, user.Username)
	if err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Logout destroys the session for token. A token that no longer resolves
// is not an error; only a store failure is surfaced.
func (s Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Destroy(ctx, token); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// Identify resolves a session token to the identity it carries. Missing,
// malformed, expired, and unknown tokens all come back anonymous; store
// failures are logged and also treated as anonymous so the client learns
// nothing about session validity.
func (s Service) Identify(ctx context.Context, token string) (domain.Session, bool) {
	if token == "" {
		return domain.Session{}, false
	}
	record, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("session resolve failed", "error", err)
		}
		return domain.Session{}, false
	}
	return record, true
}
