package postgres

import (
	"context"
	"errors"

	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
	"gorm.io/gorm"
)

type ExamRepository interface {
	GetByID(ctx context.Context, examID string) (*models.Exam, error)
}

type examRepo struct {
	db *gorm.DB
}

func NewExamRepo(db *gorm.DB) ExamRepository {
	return &examRepo{db: db}
}

func (r *examRepo) GetByID(ctx context.Context, examID string) (*models.Exam, error) {
	var e models.Exam
	err := r.db.WithContext(ctx).Where("id = ?", examID).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
