package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/audio"
	"github.com/yoockh/audioproctor/internal/metrics"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/providers/stt"
	"github.com/yoockh/audioproctor/internal/storage"
)

type Stage string

const (
	StagePreprocess Stage = "preprocess"
	StageVAD        Stage = "vad"
	StageDiarize    Stage = "diarize"
	StageTranscribe Stage = "transcribe"
	StageSuspicion  Stage = "suspicion"
)

func (s Stage) Valid() bool {
	_, ok := stages[s]
	return ok
}

// Task is one unit of queued work: run Stage for ChunkID. Attempt counts retries, starting at 0.
type Task struct {
	Stage   Stage  `json:"stage"`
	ChunkID string `json:"chunk_id"`
	Attempt int    `json:"attempt"`
}

type ChunkStore interface {
	// Get returns utils.ErrChunkNotFound for unknown ids.
	Get(ctx context.Context, chunkID string) (*models.AudioChunk, error)
	// Transition sets status to `to` and applies patch only while the current
	// status is one of from. It reports whether this caller won the update.
	Transition(ctx context.Context, chunkID string, from []models.ChunkStatus, to models.ChunkStatus, patch *models.ChunkPatch) (bool, error)
	// RecordAttemptError stores the last error and bumps the attempt counter without changing status.
	RecordAttemptError(ctx context.Context, chunkID string, msg string) error
}

type SessionCounters interface {
	Increment(ctx context.Context, sessionID string, counter models.SessionCounter, delta int64) error
}

type FlagStore interface {
	// EscalateRecent atomically escalates severity and bumps count on the newest
	// unresolved flag for key created at or after since. Nil means nothing matched.
	EscalateRecent(ctx context.Context, key models.FlagKey, since, now time.Time) (*models.Flag, error)
	Create(ctx context.Context, f *models.Flag) error
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
	EnqueueAfter(ctx context.Context, t Task, delay time.Duration) error
}

type Notifier interface {
	Publish(ctx context.Context, examID string, ev models.MonitorEvent) error
}

type SettingsResolver interface {
	Resolve(ctx context.Context, examID string) (*models.ProctoringConfig, error)
}

// Params are the tunables that may change at runtime.
type Params struct {
	SampleRate        int
	NoiseReduction    float64
	VADFrame          time.Duration
	VADThresholdRatio float64
	MinSpeechSeconds  float64
	MFCCCoefficients  int
	SpeakerVariance   float64
	MaxRetries        int
	RetryBackoff      time.Duration
	AggregationWindow time.Duration
	ExcerptLength     int
	StageTimeout      time.Duration
}

func DefaultParams() Params {
	return Params{
		SampleRate:        16000,
		NoiseReduction:    0.8,
		VADFrame:          30 * time.Millisecond,
		VADThresholdRatio: 0.5,
		MinSpeechSeconds:  0.5,
		MFCCCoefficients:  13,
		SpeakerVariance:   100,
		MaxRetries:        3,
		RetryBackoff:      60 * time.Second,
		AggregationWindow: 30 * time.Second,
		ExcerptLength:     200,
		StageTimeout:      2 * time.Minute,
	}
}

type Deps struct {
	Chunks     ChunkStore
	Sessions   SessionCounters
	Flags      FlagStore
	Locker     Locker
	Queue      Enqueuer
	Notifier   Notifier
	Settings   SettingsResolver
	Artifacts  storage.Store
	Transcoder audio.Transcoder
	Recognizer stt.Provider
	Metrics    *metrics.Metrics
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Pipeline executes stage tasks for audio chunks.
type Pipeline struct {
	Deps
	params atomic.Pointer[Params]
}

func New(d Deps, p Params) (*Pipeline, error) {
	if d.Chunks == nil || d.Sessions == nil || d.Flags == nil || d.Queue == nil || d.Settings == nil || d.Artifacts == nil || d.Recognizer == nil {
		return nil, errors.New("pipeline missing dependency: Chunks/Sessions/Flags/Queue/Settings/Artifacts/Recognizer must be set")
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	pl := &Pipeline{Deps: d}
	pl.params.Store(&p)
	return pl, nil
}

func (p *Pipeline) Params() Params { return *p.params.Load() }

// SetParams swaps tunables; in-flight stages keep the values they started with.
func (p *Pipeline) SetParams(v Params) { p.params.Store(&v) }
