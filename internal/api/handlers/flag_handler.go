package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/services"
	"github.com/yoockh/audioproctor/internal/utils"
)

type FlagHandler struct {
	svc services.FlagService
}

func NewFlagHandler(svc services.FlagService) *FlagHandler {
	return &FlagHandler{svc: svc}
}

func (h *FlagHandler) List(c *gin.Context) {
	const op = "FlagHandler.List"
	u, ok := requireUser(c)
	if !ok {
		return
	}

	in := services.ListFlagsInput{
		ExamID:    c.Query("exam_id"),
		StudentID: c.Query("student_id"),
		Type:      c.Query("type"),
		Severity:  c.Query("severity"),
	}
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "resolved must be a boolean", err))
			return
		}
		in.Resolved = &b
	}
	in.WithStatistics, _ = strconv.ParseBool(c.Query("statistics"))

	out, err := h.svc.List(c.Request.Context(), u, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *FlagHandler) Get(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	f, err := h.svc.Get(c.Request.Context(), u, c.Param("flag_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

type UpdateFlagRequest struct {
	Resolved       *bool   `json:"resolved" binding:"required"`
	ResolutionNote *string `json:"resolution_note"`
	Severity       *string `json:"severity"`
}

func (h *FlagHandler) Update(c *gin.Context) {
	u, ok := requireUser(c)
	if !ok {
		return
	}

	var req UpdateFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("FlagHandler.Update", err))
		return
	}
	in := services.ResolveFlagInput{Resolved: *req.Resolved, Note: req.ResolutionNote}
	if req.Severity != nil {
		s := models.Severity(*req.Severity)
		in.Severity = &s
	}

	f, err := h.svc.Resolve(c.Request.Context(), u, c.Param("flag_id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

type CreateFlagRequest struct {
	ExamID      string `json:"exam_id" binding:"required"`
	SessionID   string `json:"session_id"`
	Type        string `json:"type" binding:"required"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

func (h *FlagHandler) Create(c *gin.Context) {
	const op = "FlagHandler.Create"
	u, ok := requireUser(c)
	if !ok {
		return
	}

	var req CreateFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(op, err))
		return
	}
	ts, err := parseTimestamp(op, req.Timestamp)
	if err != nil {
		writeError(c, err)
		return
	}

	f, err := h.svc.Report(c.Request.Context(), u, services.ReportFlagInput{
		ExamID:      req.ExamID,
		SessionID:   req.SessionID,
		Type:        req.Type,
		Description: req.Description,
		Timestamp:   ts,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}
