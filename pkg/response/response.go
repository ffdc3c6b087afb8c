// Package response shapes the JSON envelope returned by every handler.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gavel/pkg/errors"
	"gavel/pkg/logger"
)

// Response represents a standard API response
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// Success sends a successful response with data
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.Success,
		Message: "Success",
		Data:    data,
		TraceID: getTraceID(c),
	})
}

// Error sends an error response, deriving status and message from the
// error's code. Infrastructure faults log at error level; request errors
// only warn.
func Error(c *gin.Context, err error) {
	customErr := errors.GetError(err)

	if errors.IsInfrastructure(err) {
		logger.Error(c.Request.Context(), "request error",
			zap.Int("code", int(customErr.Code)),
			zap.String("message", customErr.Error()),
		)
	} else {
		logger.Warn(c.Request.Context(), "request rejected",
			zap.Int("code", int(customErr.Code)),
			zap.String("message", customErr.Error()),
		)
	}

	c.JSON(customErr.Code.HTTPStatus(), Response{
		Code:    customErr.Code,
		Message: customErr.Error(),
		Details: details(customErr),
		TraceID: getTraceID(c),
	})
}

// ErrorWithCode sends an error response with a specific code.
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	c.JSON(code.HTTPStatus(), Response{
		Code:    code,
		Message: message,
		TraceID: getTraceID(c),
	})
}

func details(err *errors.Error) interface{} {
	if len(err.Details) == 0 {
		return nil
	}
	return err.Details
}

func getTraceID(c *gin.Context) string {
	if traceID, ok := c.Get("trace_id"); ok {
		if s, ok := traceID.(string); ok {
			return s
		}
	}
	return ""
}
