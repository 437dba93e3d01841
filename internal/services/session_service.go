package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/yoockh/audioproctor/internal/models"
	mongorepo "github.com/yoockh/audioproctor/internal/repositories/mongo"
	"github.com/yoockh/audioproctor/internal/utils"
)

type AudioSessionService interface {
	Start(ctx context.Context, student *models.User, examID string, consent bool) (*models.AudioSession, error)
	Get(ctx context.Context, viewer *models.User, sessionID string) (*models.AudioSession, error)
	End(ctx context.Context, student *models.User, sessionID string) (*models.AudioSession, error)
	// CheckMonitor fails unless viewer owns examID.
	CheckMonitor(ctx context.Context, viewer *models.User, examID string) error
}

type audioSessionService struct {
	sessions mongorepo.AudioSessionRepository
	settings ExamSettingsService
	now      func() time.Time
}

func NewAudioSessionService(sessions mongorepo.AudioSessionRepository, settings ExamSettingsService) AudioSessionService {
	return &audioSessionService{sessions: sessions, settings: settings, now: time.Now}
}

// Start opens a recording session, or returns the one already active for this exam.
func (s *audioSessionService) Start(ctx context.Context, student *models.User, examID string, consent bool) (*models.AudioSession, error) {
	const op = "AudioSessionService.Start"

	if !student.IsStudent() {
		return nil, utils.E(utils.CodeForbidden, op, "only students can record audio", nil)
	}
	if examID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "exam_id is required", nil)
	}
	if !consent {
		return nil, utils.E(utils.CodeInvalidArgument, op, "audio recording consent is required", nil)
	}

	cfg, err := s.settings.Resolve(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, utils.E(utils.CodeNotFound, op, "exam not found or not active", nil)
	}
	if !cfg.Enabled {
		return nil, utils.E(utils.CodeForbidden, op, "audio monitoring is not enabled for this exam", nil)
	}

	existing, err := s.sessions.FindActive(ctx, examID, student.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, utils.ErrNotFound) {
		return nil, utils.E(utils.CodeInternal, op, "failed to look up active session", err)
	}

	now := s.now().UTC()
	session := &models.AudioSession{
		SessionID:        uuid.NewString(),
		ExamID:           examID,
		StudentID:        student.ID,
		StartedAt:        now,
		ConsentGiven:     true,
		ConsentTimestamp: now,
		Status:           models.SessionActive,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create audio session", err)
	}
	return session, nil
}

func (s *audioSessionService) load(ctx context.Context, op, sessionID string) (*models.AudioSession, error) {
	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

func (s *audioSessionService) Get(ctx context.Context, viewer *models.User, sessionID string) (*models.AudioSession, error) {
	const op = "AudioSessionService.Get"

	ss, err := s.load(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	ok, err := canViewStudentData(ctx, s.settings, viewer, ss.StudentID, ss.ExamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.E(utils.CodeForbidden, op, "not allowed to view this session", nil)
	}
	return ss, nil
}

// End stops ingestion for the session. Chunks already queued keep processing.
func (s *audioSessionService) End(ctx context.Context, student *models.User, sessionID string) (*models.AudioSession, error) {
	const op = "AudioSessionService.End"

	ss, err := s.load(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if ss.StudentID != student.ID {
		return nil, utils.E(utils.CodeForbidden, op, "not the owner of this session", nil)
	}

	now := s.now().UTC()
	ended, err := s.sessions.End(ctx, sessionID, models.SessionCompleted, now)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to end session", err)
	}
	if !ended {
		return ss, nil
	}

	ss.Status = models.SessionCompleted
	ss.EndedAt = &now
	return ss, nil
}

func (s *audioSessionService) CheckMonitor(ctx context.Context, viewer *models.User, examID string) error {
	const op = "AudioSessionService.CheckMonitor"

	ok, err := canMonitorExam(ctx, s.settings, viewer, examID)
	if err != nil {
		return err
	}
	if !ok {
		return utils.E(utils.CodeForbidden, op, "not the teacher of this exam", nil)
	}
	return nil
}
