package http

import (
	"net/http"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-gonic/gin"
)

type response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorInfo `json:"error,omitempty"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, response{Success: true, Data: data})
}

// fail maps err to its wire code and HTTP status.
func fail(c *gin.Context, err error) {
	code := domain.Code(err)
	c.JSON(statusFor(code), response{Error: &errorInfo{Code: code, Message: err.Error()}})
}

func statusFor(code string) int {
	switch code {
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound, domain.CodeNotJoined:
		return http.StatusNotFound
	case domain.CodeSessionConflict, domain.CodeRoomMismatch, domain.CodeRoomClosed:
		return http.StatusConflict
	case domain.CodeRoomFull, domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeEngineUnavailable, domain.CodeWorkerDied:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
