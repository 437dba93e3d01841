package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Exam holds only what the audio pipeline reads; authoring lives elsewhere.
type Exam struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TeacherID string `gorm:"column:teacher_id;type:uuid;index" json:"teacher_id"`
	Title     string `gorm:"column:title;type:text" json:"title"`
	IsActive  bool   `gorm:"column:is_active" json:"is_active"`

	AudioEnabled        bool           `gorm:"column:audio_enabled" json:"audio_enabled"`
	AudioCustomKeywords pq.StringArray `gorm:"column:audio_custom_keywords;type:text[]" json:"audio_custom_keywords"`
	AudioThreshold      *float64       `gorm:"column:audio_suspicion_threshold" json:"audio_suspicion_threshold,omitempty"`
	AudioLanguage       string         `gorm:"column:audio_language;type:text" json:"audio_language"`

	// optional {"category": ["kw", ...]} replacing the built-in categories
	AudioKeywordCategories datatypes.JSON `gorm:"column:audio_keyword_categories;type:jsonb" json:"audio_keyword_categories,omitempty"`

	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Exam) TableName() string { return "exams" }

// ProctoringConfig is the per-exam configuration surface consumed by the pipeline.
type ProctoringConfig struct {
	ExamID    string   `json:"exam_id"`
	TeacherID string   `json:"teacher_id"`
	IsActive  bool     `json:"is_active"`
	Enabled   bool     `json:"enabled"`
	Keywords  []string `json:"keywords"`
	Threshold float64  `json:"suspicion_threshold"`
	Language  string   `json:"language"`
}
