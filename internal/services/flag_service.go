package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/metrics"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/pipeline"
	mongorepo "github.com/yoockh/audioproctor/internal/repositories/mongo"
	"github.com/yoockh/audioproctor/internal/utils"
)

const flagListLimit = 100

// typeSeverity is the default severity of flags reported by non-audio detectors.
var typeSeverity = map[string]models.Severity{
	"multiple_faces":                 models.SeverityHigh,
	"no_face":                        models.SeverityMedium,
	"looking_away":                   models.SeverityMedium,
	"high_audio":                     models.SeverityMedium,
	"tab_switch":                     models.SeverityHigh,
	"screen_share":                   models.SeverityCritical,
	"suspicious_activity":            models.SeverityMedium,
	models.FlagAudioMultipleSpeakers: models.SeverityHigh,
	models.FlagAudioKeywords:         models.SeverityMedium,
	"dev_tools_attempt":              models.SeverityHigh,
	"dev_tools_open":                 models.SeverityCritical,
	"screenshot_attempt":             models.SeverityMedium,
	"window_resize":                  models.SeverityMedium,
}

func SeverityForType(flagType string) models.Severity {
	if s, ok := typeSeverity[flagType]; ok {
		return s
	}
	return models.SeverityLow
}

// detectionSeverity covers detections the browser makes on its own audio analysis.
var detectionSeverity = map[string]models.Severity{
	"sudden_noise":       models.SeverityMedium,
	"multiple_voices":    models.SeverityHigh,
	"background_noise":   models.SeverityLow,
	"continuous_talking": models.SeverityHigh,
	"phone_ring":         models.SeverityMedium,
}

func SeverityForDetection(detection string) models.Severity {
	if s, ok := detectionSeverity[detection]; ok {
		return s
	}
	return models.SeverityMedium
}

type ListFlagsInput struct {
	ExamID         string
	StudentID      string
	Type           string
	Severity       string
	Resolved       *bool
	WithStatistics bool
}

type FlagList struct {
	Flags      []models.Flag          `json:"flags"`
	Total      int                    `json:"total"`
	Statistics *models.FlagStatistics `json:"statistics,omitempty"`
}

type ResolveFlagInput struct {
	Resolved bool
	Note     *string
	Severity *models.Severity
}

type ReportFlagInput struct {
	ExamID      string
	SessionID   string
	Type        string
	Description string
	Timestamp   time.Time
}

type ClientAudioInput struct {
	ExamID        string
	StudentID     string
	SessionID     string
	Timestamp     time.Time
	DetectionType string
	FlagReason    string
	AudioMetrics  map[string]any
}

type FlagService interface {
	List(ctx context.Context, viewer *models.User, in ListFlagsInput) (*FlagList, error)
	Get(ctx context.Context, viewer *models.User, flagID string) (*models.Flag, error)
	Resolve(ctx context.Context, teacher *models.User, flagID string, in ResolveFlagInput) (*models.Flag, error)
	// Report records a flag raised by a non-audio detector, aggregating repeats.
	Report(ctx context.Context, student *models.User, in ReportFlagInput) (*models.Flag, error)
	// ReportClientAudio records a browser-side audio detection. It never aggregates.
	ReportClientAudio(ctx context.Context, student *models.User, in ClientAudioInput) (*models.Flag, error)
}

type flagService struct {
	flags    mongorepo.FlagRepository
	sessions mongorepo.AudioSessionRepository
	settings ExamSettingsService
	locker   pipeline.Locker
	notifier pipeline.Notifier
	metrics  *metrics.Metrics
	log      *logrus.Logger

	window func() time.Duration
	now    func() time.Time
}

type FlagServiceDeps struct {
	Flags    mongorepo.FlagRepository
	Sessions mongorepo.AudioSessionRepository
	Settings ExamSettingsService
	Locker   pipeline.Locker
	Notifier pipeline.Notifier
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
	// Window returns the current aggregation window.
	Window func() time.Duration
}

func NewFlagService(d FlagServiceDeps) FlagService {
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.Window == nil {
		d.Window = func() time.Duration { return pipeline.DefaultParams().AggregationWindow }
	}
	return &flagService{
		flags:    d.Flags,
		sessions: d.Sessions,
		settings: d.Settings,
		locker:   d.Locker,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Logger,
		window:   d.Window,
		now:      time.Now,
	}
}

func (s *flagService) List(ctx context.Context, viewer *models.User, in ListFlagsInput) (*FlagList, error) {
	const op = "FlagService.List"

	f := mongorepo.FlagFilter{
		ExamID:    in.ExamID,
		StudentID: in.StudentID,
		Type:      in.Type,
		Severity:  in.Severity,
		Resolved:  in.Resolved,
	}
	switch {
	case viewer.IsStudent():
		f.StudentID = viewer.ID
	case viewer.IsTeacher():
		if in.ExamID == "" {
			return nil, utils.E(utils.CodeInvalidArgument, op, "exam_id is required", nil)
		}
		ok, err := canMonitorExam(ctx, s.settings, viewer, in.ExamID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, utils.E(utils.CodeForbidden, op, "not the teacher of this exam", nil)
		}
	default:
		return nil, utils.E(utils.CodeForbidden, op, "unknown role", nil)
	}
	if in.Severity != "" && !models.Severity(in.Severity).Valid() {
		return nil, utils.E(utils.CodeInvalidArgument, op, "invalid severity", nil)
	}

	flags, err := s.flags.List(ctx, f, flagListLimit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list flags", err)
	}
	out := &FlagList{Flags: flags, Total: len(flags)}
	if in.WithStatistics {
		st, err := s.flags.Statistics(ctx, f)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to compute flag statistics", err)
		}
		out.Statistics = st
	}
	return out, nil
}

func (s *flagService) load(ctx context.Context, op, flagID string) (*models.Flag, error) {
	if flagID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "flag_id is required", nil)
	}
	f, err := s.flags.GetByID(ctx, flagID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "flag not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load flag", err)
	}
	return f, nil
}

func (s *flagService) Get(ctx context.Context, viewer *models.User, flagID string) (*models.Flag, error) {
	const op = "FlagService.Get"

	f, err := s.load(ctx, op, flagID)
	if err != nil {
		return nil, err
	}
	ok, err := canViewStudentData(ctx, s.settings, viewer, f.StudentID, f.ExamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.E(utils.CodeForbidden, op, "not allowed to view this flag", nil)
	}
	return f, nil
}

func (s *flagService) Resolve(ctx context.Context, teacher *models.User, flagID string, in ResolveFlagInput) (*models.Flag, error) {
	const op = "FlagService.Resolve"

	if in.Severity != nil && !in.Severity.Valid() {
		return nil, utils.E(utils.CodeInvalidArgument, op, "invalid severity", nil)
	}
	f, err := s.load(ctx, op, flagID)
	if err != nil {
		return nil, err
	}
	ok, err := canMonitorExam(ctx, s.settings, teacher, f.ExamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.E(utils.CodeForbidden, op, "only the exam teacher can resolve flags", nil)
	}

	updated, err := s.flags.Resolve(ctx, flagID, mongorepo.FlagResolution{
		Resolved:   in.Resolved,
		ResolvedBy: teacher.ID,
		Note:       in.Note,
		Severity:   in.Severity,
	}, s.now().UTC())
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "flag not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to update flag", err)
	}
	return updated, nil
}

// tryLock takes the per-key aggregation lock once; on contention or error the
// report proceeds unlocked.
func (s *flagService) tryLock(ctx context.Context, key models.FlagKey) func() {
	if s.locker == nil {
		return func() {}
	}
	release, ok, err := s.locker.TryLock(ctx, "lock:flag:"+key.StudentID+":"+key.ExamID+":"+key.Type, 10*time.Second)
	if err != nil || !ok {
		if err != nil {
			s.log.WithError(err).Warn("flag lock unavailable")
		}
		return func() {}
	}
	return release
}

func (s *flagService) Report(ctx context.Context, student *models.User, in ReportFlagInput) (*models.Flag, error) {
	const op = "FlagService.Report"

	if !student.IsStudent() {
		return nil, utils.E(utils.CodeForbidden, op, "only students report their own flags", nil)
	}
	in.Type = strings.TrimSpace(in.Type)
	if in.ExamID == "" || in.Type == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "exam_id and type are required", nil)
	}

	now := s.now().UTC()
	key := models.FlagKey{StudentID: student.ID, ExamID: in.ExamID, Type: in.Type}

	release := s.tryLock(ctx, key)
	defer release()

	flag, err := s.flags.EscalateRecent(ctx, key, now.Add(-s.window()), now)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to aggregate flag", err)
	}
	aggregated := flag != nil
	if !aggregated {
		ts := in.Timestamp
		if ts.IsZero() {
			ts = now
		}
		flag = &models.Flag{
			StudentID:   student.ID,
			ExamID:      in.ExamID,
			SessionID:   in.SessionID,
			Type:        in.Type,
			Description: in.Description,
			Severity:    SeverityForType(in.Type),
			Timestamp:   ts.UTC(),
			Count:       1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.flags.Create(ctx, flag); err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to create flag", err)
		}
	}
	s.metrics.FlagEmitted(in.Type, aggregated)
	if in.SessionID != "" {
		s.countFlag(ctx, in.SessionID)
	}
	s.publish(ctx, flag)
	return flag, nil
}

func (s *flagService) ReportClientAudio(ctx context.Context, student *models.User, in ClientAudioInput) (*models.Flag, error) {
	const op = "FlagService.ReportClientAudio"

	if in.ExamID == "" || in.StudentID == "" || in.SessionID == "" || in.DetectionType == "" || in.FlagReason == "" || in.Timestamp.IsZero() {
		return nil, utils.E(utils.CodeInvalidArgument, op, "exam_id, student_id, session_id, timestamp, detection_type and flag_reason are required", nil)
	}
	if !student.IsStudent() || student.ID != in.StudentID {
		return nil, utils.E(utils.CodeForbidden, op, "can only flag your own audio", nil)
	}

	now := s.now().UTC()
	flag := &models.Flag{
		StudentID:     in.StudentID,
		ExamID:        in.ExamID,
		SessionID:     in.SessionID,
		Type:          models.FlagAudioClientDetection,
		Description:   in.FlagReason,
		Severity:      SeverityForDetection(in.DetectionType),
		Timestamp:     in.Timestamp.UTC(),
		Count:         1,
		DetectionType: in.DetectionType,
		AudioMetrics:  in.AudioMetrics,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.flags.Create(ctx, flag); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create flag", err)
	}
	s.metrics.FlagEmitted(flag.Type, false)
	s.countFlag(ctx, in.SessionID)
	s.publish(ctx, flag)
	return flag, nil
}

func (s *flagService) countFlag(ctx context.Context, sessionID string) {
	if err := s.sessions.Increment(ctx, sessionID, models.CounterTotalFlags, 1); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Error("failed to increment total_flags")
	}
}

func (s *flagService) publish(ctx context.Context, f *models.Flag) {
	if s.notifier == nil {
		return
	}
	ev := models.MonitorEvent{Type: models.EventNewFlag, Flag: &models.FlagSummary{
		FlagID:      f.ID.Hex(),
		StudentID:   f.StudentID,
		ExamID:      f.ExamID,
		SessionID:   f.SessionID,
		Type:        f.Type,
		Description: f.Description,
		Severity:    f.Severity,
		Count:       f.Count,
		Timestamp:   f.Timestamp.UTC().Format(time.RFC3339),
	}}
	if err := s.notifier.Publish(ctx, f.ExamID, ev); err != nil {
		s.metrics.NotificationFailed()
		s.log.WithError(err).WithField("flag_id", f.ID.Hex()).Warn("flag notification dropped")
	}
}
