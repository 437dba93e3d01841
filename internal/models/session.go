package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	SessionActive     = "active"
	SessionCompleted  = "completed"
	SessionTerminated = "terminated"
)

type AudioSession struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	SessionID string             `bson:"session_id" json:"session_id"`
	ExamID    string             `bson:"exam_id" json:"exam_id"`
	StudentID string             `bson:"student_id" json:"student_id"`

	StartedAt time.Time  `bson:"started_at" json:"started_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`

	ConsentGiven     bool      `bson:"consent_given" json:"consent_given"`
	ConsentTimestamp time.Time `bson:"consent_timestamp" json:"consent_timestamp"`

	TotalChunks     int64 `bson:"total_chunks" json:"total_chunks"`
	ProcessedChunks int64 `bson:"processed_chunks" json:"processed_chunks"`
	FailedChunks    int64 `bson:"failed_chunks" json:"failed_chunks"`
	TotalFlags      int64 `bson:"total_flags" json:"total_flags"`

	Status    string    `bson:"status" json:"status"` // active|completed|terminated
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// SessionCounter names one of the monotonic session counters.
type SessionCounter string

const (
	CounterTotalChunks     SessionCounter = "total_chunks"
	CounterProcessedChunks SessionCounter = "processed_chunks"
	CounterFailedChunks    SessionCounter = "failed_chunks"
	CounterTotalFlags      SessionCounter = "total_flags"
)
