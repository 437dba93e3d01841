package services

import (
	"context"

	"github.com/yoockh/audioproctor/internal/models"
)

// canMonitorExam reports whether u is the teacher who owns examID.
func canMonitorExam(ctx context.Context, settings ExamSettingsService, u *models.User, examID string) (bool, error) {
	if !u.IsTeacher() {
		return false, nil
	}
	cfg, err := settings.Resolve(ctx, examID)
	if err != nil {
		return false, err
	}
	return cfg.TeacherID != "" && cfg.TeacherID == u.ID, nil
}

// canViewStudentData allows the student themself or the exam's teacher.
func canViewStudentData(ctx context.Context, settings ExamSettingsService, u *models.User, studentID, examID string) (bool, error) {
	if u.IsStudent() {
		return u.ID == studentID, nil
	}
	return canMonitorExam(ctx, settings, u, examID)
}
