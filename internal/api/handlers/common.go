package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/audioproctor/internal/api/middleware"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
)

type APIError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	var ae *utils.AppError
	if errors.As(err, &ae) {
		c.JSON(status, APIError{
			Code:    ae.Code,
			Message: ae.Message,
		})
		return
	}

	c.JSON(status, APIError{
		Code:    utils.CodeOf(err),
		Message: http.StatusText(status),
	})
}

func requireUser(c *gin.Context) (*models.User, bool) {
	if u, ok := middleware.CurrentUser(c); ok {
		return u, true
	}
	writeError(c, utils.E(utils.CodeUnauthorized, "Auth", "unauthorized", nil))
	return nil, false
}

func badRequest(op string, err error) error {
	return utils.E(utils.CodeInvalidArgument, op, "invalid request body", err)
}
