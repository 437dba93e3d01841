package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ChunkStatus string

const (
	StatusQueued                ChunkStatus = "queued"
	StatusPreprocessing         ChunkStatus = "preprocessing"
	StatusPreprocessingComplete ChunkStatus = "preprocessing_complete"
	StatusVAD                   ChunkStatus = "vad"
	StatusVADComplete           ChunkStatus = "vad_complete"
	StatusDiarization           ChunkStatus = "diarization"
	StatusDiarizationComplete   ChunkStatus = "diarization_complete"
	StatusTranscription         ChunkStatus = "transcription"
	StatusTranscriptionComplete ChunkStatus = "transcription_complete"
	StatusSuspicionDetection    ChunkStatus = "suspicion_detection"
	StatusCompleted             ChunkStatus = "completed"
	StatusFailed                ChunkStatus = "failed"
)

// statusOrder is the only legal forward order. failed sits outside it.
var statusOrder = []ChunkStatus{
	StatusQueued,
	StatusPreprocessing,
	StatusPreprocessingComplete,
	StatusVAD,
	StatusVADComplete,
	StatusDiarization,
	StatusDiarizationComplete,
	StatusTranscription,
	StatusTranscriptionComplete,
	StatusSuspicionDetection,
	StatusCompleted,
}

// Rank returns the position of s in the pipeline order, or -1 for failed/unknown.
func (s ChunkStatus) Rank() int {
	for i, v := range statusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

func (s ChunkStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s ChunkStatus) CanAdvanceTo(next ChunkStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, to := s.Rank(), next.Rank()
	return from >= 0 && to > from
}

// NonTerminalStatuses lists every status from which failed is reachable.
func NonTerminalStatuses() []ChunkStatus {
	out := make([]ChunkStatus, 0, len(statusOrder)-1)
	for _, s := range statusOrder {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

type SpeechSegment struct {
	Start float64 `bson:"start" json:"start"`
	End   float64 `bson:"end" json:"end"`
}

type VADResult struct {
	HasSpeech           bool            `bson:"has_speech" json:"has_speech"`
	SpeechSegments      []SpeechSegment `bson:"speech_segments" json:"speech_segments"`
	TotalSpeechDuration float64         `bson:"total_speech_duration" json:"total_speech_duration"`
}

type SpeakerSegment struct {
	Speaker string  `bson:"speaker" json:"speaker"`
	Start   float64 `bson:"start" json:"start"`
	End     float64 `bson:"end" json:"end"`
}

type DiarizationResult struct {
	NumSpeakers      int                `bson:"num_speakers" json:"num_speakers"`
	SpeakerSegments  []SpeakerSegment   `bson:"speaker_segments" json:"speaker_segments"`
	SpeakerDurations map[string]float64 `bson:"speaker_durations" json:"speaker_durations"`
	MFCCVariance     float64            `bson:"mfcc_variance" json:"mfcc_variance"`
}

type Transcription struct {
	Speaker    string  `bson:"speaker" json:"speaker"`
	Start      float64 `bson:"start" json:"start"`
	End        float64 `bson:"end" json:"end"`
	Text       string  `bson:"text" json:"text"`
	Confidence float64 `bson:"confidence" json:"confidence"`
}

type SuspicionResult struct {
	Score         float64  `bson:"score" json:"score"`
	Severity      Severity `bson:"severity" json:"severity"`
	Reasons       []string `bson:"reasons" json:"reasons"`
	KeywordsFound []string `bson:"keywords_found" json:"keywords_found"`
}

// AudioChunk is one uploaded recording segment and everything the pipeline learned about it.
type AudioChunk struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ChunkID    string             `bson:"chunk_id" json:"chunk_id"`
	SessionID  string             `bson:"session_id" json:"session_id"`
	ExamID     string             `bson:"exam_id" json:"exam_id"`
	StudentID  string             `bson:"student_id" json:"student_id"`
	ChunkIndex int64              `bson:"chunk_index" json:"chunk_index"`
	Timestamp  time.Time          `bson:"timestamp" json:"timestamp"`
	Duration   float64            `bson:"duration" json:"duration"`

	RawPath        string  `bson:"file_path" json:"-"`
	RawContentType string  `bson:"content_type" json:"content_type"`
	ProcessedPath  *string `bson:"preprocessed_path" json:"-"`

	Status ChunkStatus `bson:"processing_status" json:"processing_status"`

	VAD            *VADResult         `bson:"vad_results" json:"vad_results"`
	Diarization    *DiarizationResult `bson:"diarization_results" json:"diarization_results"`
	Transcriptions []Transcription    `bson:"transcriptions" json:"transcriptions"`
	Suspicion      *SuspicionResult   `bson:"suspicion_results" json:"suspicion_results"`

	ErrorMessage *string `bson:"error_message" json:"error_message"`
	Attempts     int     `bson:"attempts" json:"attempts"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// ArtifactPath prefers the processed artifact over the raw upload.
func (c *AudioChunk) ArtifactPath() string {
	if c.ProcessedPath != nil && *c.ProcessedPath != "" {
		return *c.ProcessedPath
	}
	return c.RawPath
}

// ChunkPatch carries the payload a stage writes together with its status change.
// Nil fields are left untouched.
type ChunkPatch struct {
	ProcessedPath  *string
	Duration       *float64
	VAD            *VADResult
	Diarization    *DiarizationResult
	Transcriptions []Transcription
	Suspicion      *SuspicionResult
	ErrorMessage   *string
}
