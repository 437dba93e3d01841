package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/metrics"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/pipeline"
	mongorepo "github.com/yoockh/audioproctor/internal/repositories/mongo"
	"github.com/yoockh/audioproctor/internal/storage"
	"github.com/yoockh/audioproctor/internal/utils"
)

const playbackTTL = 300 * time.Second

type UploadInput struct {
	ExamID     string
	StudentID  string
	SessionID  string
	ChunkIndex int64
	Timestamp  time.Time
	AudioData  string // base64, optionally a data: URL
	Format     string
}

// Artifact is what a playback request resolves to.
type Artifact struct {
	Path        string
	ContentType string
	Processed   bool
}

type PlaybackLink struct {
	ChunkID   string `json:"chunk_id"`
	URL       string `json:"audio_url"`
	ExpiresIn int    `json:"expires_in"`
}

type ChunkService interface {
	Upload(ctx context.Context, student *models.User, in UploadInput) (*models.AudioChunk, error)
	Get(ctx context.Context, viewer *models.User, chunkID string) (*models.AudioChunk, error)
	ListBySession(ctx context.Context, viewer *models.User, sessionID string) ([]models.AudioChunk, error)
	Playback(ctx context.Context, viewer *models.User, chunkID string) (*Artifact, error)
	PlaybackLink(ctx context.Context, viewer *models.User, chunkID string) (*PlaybackLink, error)
}

type chunkService struct {
	chunks    mongorepo.ChunkRepository
	sessions  mongorepo.AudioSessionRepository
	settings  ExamSettingsService
	artifacts storage.Uploader
	signer    storage.Signer // nil for local storage
	queue     pipeline.Enqueuer
	metrics   *metrics.Metrics
	log       *logrus.Logger

	maxBytes int
	now      func() time.Time
}

type ChunkServiceDeps struct {
	Chunks    mongorepo.ChunkRepository
	Sessions  mongorepo.AudioSessionRepository
	Settings  ExamSettingsService
	Artifacts storage.Uploader
	Signer    storage.Signer
	Queue     pipeline.Enqueuer
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	MaxBytes  int
}

func NewChunkService(d ChunkServiceDeps) ChunkService {
	if d.MaxBytes <= 0 {
		d.MaxBytes = 10 << 20
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	return &chunkService{
		chunks:    d.Chunks,
		sessions:  d.Sessions,
		settings:  d.Settings,
		artifacts: d.Artifacts,
		signer:    d.Signer,
		queue:     d.Queue,
		metrics:   d.Metrics,
		log:       d.Logger,
		maxBytes:  d.MaxBytes,
		now:       time.Now,
	}
}

var audioFormats = map[string]struct{ ext, contentType string }{
	"webm": {".webm", "audio/webm"},
	"ogg":  {".ogg", "audio/ogg"},
	"wav":  {".wav", "audio/wav"},
	"mp3":  {".mp3", "audio/mpeg"},
	"m4a":  {".m4a", "audio/mp4"},
	"mp4":  {".m4a", "audio/mp4"},
}

// decodeAudioPayload accepts raw base64 or a data: URL.
func decodeAudioPayload(s string) ([]byte, error) {
	raw := strings.TrimSpace(s)
	if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i >= 0 {
		raw = raw[i+1:]
	}
	return base64.StdEncoding.DecodeString(raw)
}

func (s *chunkService) Upload(ctx context.Context, student *models.User, in UploadInput) (*models.AudioChunk, error) {
	const op = "ChunkService.Upload"

	if in.ExamID == "" || in.StudentID == "" || in.SessionID == "" || in.AudioData == "" || in.ChunkIndex < 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "exam_id, student_id, session_id, chunk_index and audio_data are required", nil)
	}
	if !student.IsStudent() || student.ID != in.StudentID {
		return nil, utils.E(utils.CodeForbidden, op, "can only upload your own audio", nil)
	}

	format := strings.ToLower(strings.TrimSpace(in.Format))
	if format == "" {
		format = "webm"
	}
	f, ok := audioFormats[format]
	if !ok {
		return nil, utils.E(utils.CodeInvalidArgument, op, "unsupported audio format", nil)
	}

	session, err := s.sessions.GetBySessionID(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load session", err)
	}
	if session.StudentID != student.ID {
		return nil, utils.E(utils.CodeForbidden, op, "session belongs to another student", nil)
	}
	if session.ExamID != in.ExamID {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session does not belong to this exam", nil)
	}
	if session.Status != models.SessionActive {
		return nil, utils.E(utils.CodeConflict, op, "session is not active", nil)
	}

	data, err := decodeAudioPayload(in.AudioData)
	if err != nil || len(data) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "audio_data is not valid base64", err)
	}
	if len(data) > s.maxBytes {
		return nil, utils.E(utils.CodeInvalidArgument, op, "audio chunk too large", nil)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	chunkID := uuid.NewString()

	path, err := s.artifacts.Upload(ctx, storage.RawObjectName(in.ExamID, in.StudentID, chunkID, f.ext), f.contentType, bytes.NewReader(data))
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to store audio", err)
	}

	chunk := &models.AudioChunk{
		ChunkID:        chunkID,
		SessionID:      in.SessionID,
		ExamID:         in.ExamID,
		StudentID:      in.StudentID,
		ChunkIndex:     in.ChunkIndex,
		Timestamp:      ts.UTC(),
		RawPath:        path,
		RawContentType: f.contentType,
		Status:         models.StatusQueued,
	}
	if err := s.chunks.Insert(ctx, chunk); err != nil {
		if errors.Is(err, utils.ErrDuplicate) {
			return nil, utils.E(utils.CodeConflict, op, "chunk_index already uploaded for this session", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to record chunk", err)
	}

	// counted before the hand-off so processed+failed never overtakes total
	if err := s.sessions.Increment(ctx, in.SessionID, models.CounterTotalChunks, 1); err != nil {
		s.log.WithError(err).WithField("session_id", in.SessionID).Error("failed to increment total_chunks")
	}

	if err := s.queue.Enqueue(ctx, pipeline.Task{Stage: pipeline.StagePreprocess, ChunkID: chunkID}); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to schedule processing", err)
	}

	s.metrics.ChunkIngested()
	s.log.WithFields(logrus.Fields{
		"chunk_id":    chunkID,
		"session_id":  in.SessionID,
		"chunk_index": in.ChunkIndex,
		"bytes":       len(data),
	}).Info("audio chunk queued")
	return chunk, nil
}

func (s *chunkService) load(ctx context.Context, op, chunkID string) (*models.AudioChunk, error) {
	if chunkID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "chunk_id is required", nil)
	}
	c, err := s.chunks.Get(ctx, chunkID)
	if err != nil {
		if errors.Is(err, utils.ErrChunkNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "chunk not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load chunk", err)
	}
	return c, nil
}

func (s *chunkService) Get(ctx context.Context, viewer *models.User, chunkID string) (*models.AudioChunk, error) {
	const op = "ChunkService.Get"

	c, err := s.load(ctx, op, chunkID)
	if err != nil {
		return nil, err
	}
	ok, err := canViewStudentData(ctx, s.settings, viewer, c.StudentID, c.ExamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.E(utils.CodeForbidden, op, "not allowed to view this chunk", nil)
	}
	return c, nil
}

// ListBySession returns the session's chunks in index order.
func (s *chunkService) ListBySession(ctx context.Context, viewer *models.User, sessionID string) ([]models.AudioChunk, error) {
	const op = "ChunkService.ListBySession"

	sess, err := s.sessions.GetBySessionID(ctx, sessionID)
	if errors.Is(err, utils.ErrNotFound) {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
	}
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to load session", err)
	}
	ok, err := canViewStudentData(ctx, s.settings, viewer, sess.StudentID, sess.ExamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.E(utils.CodeForbidden, op, "not allowed to view this session", nil)
	}

	chunks, err := s.chunks.ListBySession(ctx, sessionID, 500)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to list chunks", err)
	}
	return chunks, nil
}

// Playback resolves the artifact an exam teacher may listen to: processed if present, else raw.
func (s *chunkService) Playback(ctx context.Context, viewer *models.User, chunkID string) (*Artifact, error) {
	const op = "ChunkService.Playback"

	c, err := s.load(ctx, op, chunkID)
	if err != nil {
		return nil, err
	}
	ok, err := canMonitorExam(ctx, s.settings, viewer, c.ExamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.E(utils.CodeForbidden, op, "only the exam teacher can play audio evidence", nil)
	}

	if c.ProcessedPath != nil && *c.ProcessedPath != "" {
		return &Artifact{Path: *c.ProcessedPath, ContentType: "audio/wav", Processed: true}, nil
	}
	if c.RawPath == "" {
		return nil, utils.E(utils.CodeNotFound, op, "audio file not found", utils.ErrMissingArtifact)
	}
	return &Artifact{Path: c.RawPath, ContentType: c.RawContentType}, nil
}

// PlaybackLink is resolved on request; flags never store it.
func (s *chunkService) PlaybackLink(ctx context.Context, viewer *models.User, chunkID string) (*PlaybackLink, error) {
	const op = "ChunkService.PlaybackLink"

	a, err := s.Playback(ctx, viewer, chunkID)
	if err != nil {
		return nil, err
	}
	link := &PlaybackLink{ChunkID: chunkID, ExpiresIn: int(playbackTTL.Seconds())}
	if s.signer == nil {
		link.URL = "/api/audio/play/" + chunkID
		return link, nil
	}
	u, err := s.signer.SignedGetURL(ctx, a.Path, playbackTTL)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to sign playback url", err)
	}
	link.URL = u
	return link, nil
}
