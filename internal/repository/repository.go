package repository

import (
	"context"

	"github.com/membergate/membergate/internal/domain"
)

// UserRepository persists credential records. The email column carries a
// unique index; CreateUser reports a violation as ErrDuplicateEmail.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
}
