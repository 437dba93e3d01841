package postgres

import (
	"context"
	"errors"

	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
	"gorm.io/gorm"
)

type UserRepository interface {
	// FindByID returns the user when their role is one of roles (any role when empty).
	FindByID(ctx context.Context, userID string, roles ...models.UserRole) (*models.User, error)
}

type userRepo struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, userID string, roles ...models.UserRole) (*models.User, error) {
	q := r.db.WithContext(ctx).Model(&models.UserRecord{}).Where("id = ?", userID)
	if len(roles) > 0 {
		names := make([]string, len(roles))
		for i, role := range roles {
			names[i] = string(role)
		}
		q = q.Where("role IN ?", names)
	}

	var rec models.UserRecord
	err := q.Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.ToUser(), nil
}
