package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dis3z/reserve-api/internal/model"
)

// UserRepository reads the user identities the booking core consumes.
// Registration and profile management are owned elsewhere.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a user repository.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetUser loads a user's identity. A missing user maps to USER_NOT_FOUND;
// role gating on the result is the caller's concern.
func (r *UserRepository) GetUser(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	u := &model.User{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, role, is_active
		FROM users
		WHERE id = $1
	`, userID).Scan(&u.ID, &u.Role, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewError(model.CodeUserNotFound, "user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("user: read %s: %w", userID, err)
	}
	return u, nil
}
