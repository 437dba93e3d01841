package services

import (
	"context"
	"errors"

	"github.com/yoockh/audioproctor/internal/models"
	pgrepo "github.com/yoockh/audioproctor/internal/repositories/postgres"
	"github.com/yoockh/audioproctor/internal/utils"
)

type UserService interface {
	// Lookup resolves an authenticated id to a user holding one of roles (any role when empty).
	Lookup(ctx context.Context, userID string, roles ...models.UserRole) (*models.User, error)
}

type userService struct {
	users pgrepo.UserRepository
}

func NewUserService(users pgrepo.UserRepository) UserService {
	return &userService{users: users}
}

func (s *userService) Lookup(ctx context.Context, userID string, roles ...models.UserRole) (*models.User, error) {
	const op = "UserService.Lookup"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}

	u, err := s.users.FindByID(ctx, userID, roles...)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeUnauthorized, op, "user not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to look up user", err)
	}
	if !u.IsActive {
		return nil, utils.E(utils.CodeForbidden, op, "user account is inactive", nil)
	}
	return u, nil
}
