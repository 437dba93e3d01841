package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalate moves one tier up; high and anything unknown become critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

const (
	FlagAudioMultipleSpeakers = "audio_multiple_speakers"
	FlagAudioKeywords         = "audio_keywords"
	FlagAudioClientDetection  = "audio_client_detection"
)

type AudioEvidence struct {
	ChunkID       string   `bson:"chunk_id" json:"chunk_id"`
	Transcription string   `bson:"transcription" json:"transcription"`
	NumSpeakers   int      `bson:"num_speakers" json:"num_speakers"`
	KeywordsFound []string `bson:"keywords_found" json:"keywords_found"`
	AudioURL      *string  `bson:"audio_url" json:"audio_url"` // resolved on playback request
}

type Flag struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	StudentID string             `bson:"student_id" json:"student_id"`
	ExamID    string             `bson:"exam_id" json:"exam_id"`
	SessionID string             `bson:"session_id,omitempty" json:"session_id,omitempty"`

	Type        string    `bson:"type" json:"type"`
	Description string    `bson:"description" json:"description"`
	Severity    Severity  `bson:"severity" json:"severity"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Count       int       `bson:"count" json:"count"`

	Resolved       bool       `bson:"resolved" json:"resolved"`
	ResolvedBy     *string    `bson:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `bson:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNote *string    `bson:"resolution_note" json:"resolution_note,omitempty"`

	AudioData *AudioEvidence `bson:"audio_data,omitempty" json:"audio_data,omitempty"`

	// client-reported detections only
	DetectionType string         `bson:"detection_type,omitempty" json:"detection_type,omitempty"`
	AudioMetrics  map[string]any `bson:"audio_metrics,omitempty" json:"audio_metrics,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// FlagKey identifies the aggregation bucket of a flag.
type FlagKey struct {
	StudentID string
	ExamID    string
	Type      string
}

func (f *Flag) Key() FlagKey {
	return FlagKey{StudentID: f.StudentID, ExamID: f.ExamID, Type: f.Type}
}

type FlagStatistics struct {
	TotalFlags      int64            `json:"total_flags"`
	ResolvedFlags   int64            `json:"resolved_flags"`
	UnresolvedFlags int64            `json:"unresolved_flags"`
	SeverityCounts  map[string]int64 `json:"severity_counts"`
	TypeCounts      map[string]int64 `json:"type_counts"`
}

// FlagSummary is the flag view pushed to exam monitors.
type FlagSummary struct {
	FlagID        string   `json:"flag_id"`
	StudentID     string   `json:"student_id"`
	ExamID        string   `json:"exam_id"`
	SessionID     string   `json:"session_id,omitempty"`
	ChunkID       string   `json:"chunk_id,omitempty"`
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	Severity      Severity `json:"severity"`
	Count         int      `json:"count"`
	Transcription string   `json:"transcription"`
	NumSpeakers   int      `json:"num_speakers"`
	KeywordsFound []string `json:"keywords_found"`
	Timestamp     string   `json:"timestamp"`
}

const EventNewFlag = "new_flag"

// MonitorEvent is the envelope published on an exam's monitoring channel.
type MonitorEvent struct {
	Type string       `json:"type"`
	Flag *FlagSummary `json:"flag,omitempty"`
}
