package handlers

import (
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/services"
	"github.com/yoockh/audioproctor/internal/storage"
	"github.com/yoockh/audioproctor/internal/utils"
)

type AudioHandler struct {
	chunks services.ChunkService
	flags  services.FlagService
	// artifacts is nil when playback redirects to signed URLs.
	artifacts storage.Opener
}

func NewAudioHandler(chunks services.ChunkService, flags services.FlagService, artifacts storage.Opener) *AudioHandler {
	return &AudioHandler{chunks: chunks, flags: flags, artifacts: artifacts}
}

type UploadChunkRequest struct {
	ExamID     string `json:"exam_id" binding:"required"`
	StudentID  string `json:"student_id" binding:"required"`
	SessionID  string `json:"session_id" binding:"required"`
	ChunkIndex *int64 `json:"chunk_index" binding:"required"`
	Timestamp  string `json:"timestamp"`
	AudioData  string `json:"audio_data" binding:"required"`
	Format     string `json:"format"`
}

type UploadChunkResponse struct {
	ChunkID string `json:"chunk_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func parseTimestamp(op, s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, utils.E(utils.CodeInvalidArgument, op, "timestamp must be RFC 3339", err)
	}
	return t, nil
}

func (h *AudioHandler) Upload(c *gin.Context) {
	const op = "AudioHandler.Upload"
	u, ok := requireUser(c)
	if !ok {
		return
	}

	var req UploadChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(op, err))
		return
	}
	ts, err := parseTimestamp(op, req.Timestamp)
	if err != nil {
		writeError(c, err)
		return
	}

	chunk, err := h.chunks.Upload(c.Request.Context(), u, services.UploadInput{
		ExamID:     req.ExamID,
		StudentID:  req.StudentID,
		SessionID:  req.SessionID,
		ChunkIndex: *req.ChunkIndex,
		Timestamp:  ts,
		AudioData:  req.AudioData,
		Format:     req.Format,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, UploadChunkResponse{
		ChunkID: chunk.ChunkID,
		Status:  string(chunk.Status),
		Message: "audio chunk queued for processing",
	})
}

func (h *AudioHandler) Chunk(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	chunk, err := h.chunks.Get(c.Request.Context(), u, c.Param("chunk_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chunk)
}

func (h *AudioHandler) SessionChunks(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	chunks, err := h.chunks.ListBySession(c.Request.Context(), u, c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if chunks == nil {
		chunks = []models.AudioChunk{}
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks, "total": len(chunks)})
}

// Play streams the evidence from local storage with range support, or
// redirects to a short-lived signed URL.
func (h *AudioHandler) Play(c *gin.Context) {
	const op = "AudioHandler.Play"
	u, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	chunkID := c.Param("chunk_id")

	if h.artifacts == nil {
		link, err := h.chunks.PlaybackLink(ctx, u, chunkID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Redirect(http.StatusFound, link.URL)
		return
	}

	a, err := h.chunks.Playback(ctx, u, chunkID)
	if err != nil {
		writeError(c, err)
		return
	}
	rc, err := h.artifacts.Open(ctx, a.Path)
	if err != nil {
		writeError(c, utils.E(utils.CodeNotFound, op, "audio file not found", err))
		return
	}
	defer rc.Close()

	c.Header("Content-Type", a.ContentType)
	c.Header("Cache-Control", "private, no-store")
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(c.Writer, c.Request, path.Base(a.Path), time.Time{}, rs)
		return
	}
	c.DataFromReader(http.StatusOK, -1, a.ContentType, rc, nil)
}

type ClientAudioFlagRequest struct {
	ExamID        string         `json:"exam_id" binding:"required"`
	StudentID     string         `json:"student_id" binding:"required"`
	SessionID     string         `json:"session_id" binding:"required"`
	Timestamp     string         `json:"timestamp" binding:"required"`
	DetectionType string         `json:"detection_type" binding:"required"`
	FlagReason    string         `json:"flag_reason" binding:"required"`
	AudioMetrics  map[string]any `json:"audio_metrics"`
}

func (h *AudioHandler) Flag(c *gin.Context) {
	const op = "AudioHandler.Flag"
	u, ok := requireUser(c)
	if !ok {
		return
	}

	var req ClientAudioFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(op, err))
		return
	}
	ts, err := parseTimestamp(op, req.Timestamp)
	if err != nil {
		writeError(c, err)
		return
	}

	flag, err := h.flags.ReportClientAudio(c.Request.Context(), u, services.ClientAudioInput{
		ExamID:        req.ExamID,
		StudentID:     req.StudentID,
		SessionID:     req.SessionID,
		Timestamp:     ts,
		DetectionType: req.DetectionType,
		FlagReason:    req.FlagReason,
		AudioMetrics:  req.AudioMetrics,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"flag_id":  flag.ID.Hex(),
		"severity": flag.Severity,
		"message":  "audio flag recorded",
	})
}
