package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/cache"
	"github.com/yoockh/audioproctor/internal/models"
	pgrepo "github.com/yoockh/audioproctor/internal/repositories/postgres"
	"github.com/yoockh/audioproctor/internal/utils"
)

// SettingsDefaults apply to every exam that does not override them.
type SettingsDefaults struct {
	Categories map[string][]string
	Threshold  float64
	Language   string
}

type ExamSettingsService interface {
	Resolve(ctx context.Context, examID string) (*models.ProctoringConfig, error)
	Invalidate(ctx context.Context, examID string) error
}

type examSettingsService struct {
	exams    pgrepo.ExamRepository
	cache    cache.Cache
	defaults func() SettingsDefaults
	ttl      time.Duration
	log      *logrus.Logger
}

func NewExamSettingsService(exams pgrepo.ExamRepository, c cache.Cache, defaults func() SettingsDefaults, ttl time.Duration, log *logrus.Logger) ExamSettingsService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = logrus.New()
	}
	return &examSettingsService{exams: exams, cache: c, defaults: defaults, ttl: ttl, log: log}
}

func settingsCacheKey(examID string) string { return "exam:settings:" + examID }

// Resolve returns the effective audio configuration for an exam. Unknown exams
// resolve to the defaults with IsActive and Enabled false.
func (s *examSettingsService) Resolve(ctx context.Context, examID string) (*models.ProctoringConfig, error) {
	const op = "ExamSettingsService.Resolve"

	if examID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "exam_id is required", nil)
	}

	key := settingsCacheKey(examID)
	if s.cache != nil {
		var cached models.ProctoringConfig
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.log.WithError(err).WithField("exam_id", examID).Warn("settings cache read failed")
		}
		if hit {
			return &cached, nil
		}
	}

	def := s.defaults()
	var exam *models.Exam
	if _, perr := uuid.Parse(examID); perr == nil {
		e, err := s.exams.GetByID(ctx, examID)
		if err != nil && !errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeUnavailable, op, "failed to load exam settings", err)
		}
		exam = e
	}

	cfg := BuildProctoringConfig(examID, exam, def)
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, cfg, s.ttl); err != nil {
			s.log.WithError(err).WithField("exam_id", examID).Warn("settings cache write failed")
		}
	}
	return cfg, nil
}

func (s *examSettingsService) Invalidate(ctx context.Context, examID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, settingsCacheKey(examID))
}

// BuildProctoringConfig merges an exam row (nil when unknown) over the defaults.
func BuildProctoringConfig(examID string, exam *models.Exam, def SettingsDefaults) *models.ProctoringConfig {
	cfg := &models.ProctoringConfig{
		ExamID:    examID,
		Threshold: def.Threshold,
		Language:  def.Language,
	}
	categories := def.Categories
	var custom []string

	if exam != nil {
		cfg.TeacherID = exam.TeacherID
		cfg.IsActive = exam.IsActive
		cfg.Enabled = exam.AudioEnabled
		if exam.AudioThreshold != nil {
			cfg.Threshold = *exam.AudioThreshold
		}
		if exam.AudioLanguage != "" {
			cfg.Language = exam.AudioLanguage
		}
		if len(exam.AudioKeywordCategories) > 0 {
			var override map[string][]string
			if err := json.Unmarshal(exam.AudioKeywordCategories, &override); err == nil && len(override) > 0 {
				categories = override
			}
		}
		custom = exam.AudioCustomKeywords
	}

	if cfg.Threshold < 0 {
		cfg.Threshold = 0
	} else if cfg.Threshold > 1 {
		cfg.Threshold = 1
	}
	if cfg.Language == "" {
		cfg.Language = "auto"
	}
	cfg.Keywords = MergeKeywords(categories, custom)
	return cfg
}

// MergeKeywords flattens categories in name order, appends custom keywords,
// lowercases and drops duplicates and blanks.
func MergeKeywords(categories map[string][]string, custom []string) []string {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[string]struct{}{}
	out := []string{}
	add := func(kw string) {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, name := range names {
		for _, kw := range categories[name] {
			add(kw)
		}
	}
	for _, kw := range custom {
		add(kw)
	}
	return out
}
