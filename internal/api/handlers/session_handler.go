package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/services"
)

type SessionHandler struct {
	svc services.AudioSessionService
}

func NewSessionHandler(svc services.AudioSessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type StartSessionRequest struct {
	ExamID       string `json:"exam_id" binding:"required"`
	ConsentGiven bool   `json:"consent_given"`
}

type SessionResponse struct {
	SessionID       string  `json:"session_id"`
	ExamID          string  `json:"exam_id"`
	StudentID       string  `json:"student_id"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at"`
	EndedAt         *string `json:"ended_at,omitempty"`
	TotalChunks     int64   `json:"total_chunks"`
	ProcessedChunks int64   `json:"processed_chunks"`
	FailedChunks    int64   `json:"failed_chunks"`
	TotalFlags      int64   `json:"total_flags"`
}

func toSessionResponse(s *models.AudioSession) SessionResponse {
	out := SessionResponse{
		SessionID:       s.SessionID,
		ExamID:          s.ExamID,
		StudentID:       s.StudentID,
		Status:          s.Status,
		StartedAt:       s.StartedAt.UTC().Format(time.RFC3339),
		TotalChunks:     s.TotalChunks,
		ProcessedChunks: s.ProcessedChunks,
		FailedChunks:    s.FailedChunks,
		TotalFlags:      s.TotalFlags,
	}
	if s.EndedAt != nil {
		e := s.EndedAt.UTC().Format(time.RFC3339)
		out.EndedAt = &e
	}
	return out
}

func (h *SessionHandler) Start(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("SessionHandler.Start", err))
		return
	}

	sess, err := h.svc.Start(c.Request.Context(), u, req.ExamID, req.ConsentGiven)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (h *SessionHandler) Get(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	sess, err := h.svc.Get(c.Request.Context(), u, c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (h *SessionHandler) End(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	ended, err := h.svc.End(c.Request.Context(), u, c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(ended))
}
