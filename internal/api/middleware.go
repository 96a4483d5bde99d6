package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	"github.com/kandev/taskforge/internal/common/logger"
)

// RequestLogger stamps every request with an X-Request-ID and logs its
// outcome, kept near-verbatim from the teacher's middleware.go.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler renders the last gin.Error as the error envelope §6.1
// promises: an *errors.AppError's code/message/http_status when present,
// CodeInternal otherwise.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		status := apperrors.HTTPStatus(err)
		code := apperrors.CodeInternal
		var appErr *apperrors.AppError
		if as, ok := err.(*apperrors.AppError); ok {
			appErr = as
			code = appErr.Code
		}

		log.Error("request error", zap.String("code", code), zap.Int("status", status), zap.Error(err))
		c.JSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
	}
}

// Recovery recovers from a handler panic and reports it as CodeInternal
// instead of letting gin's own recovery middleware tear down the
// connection with a bare 500.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": apperrors.CodeInternal, "message": "an internal server error occurred"},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin access from any origin, matching the teacher's
// permissive default (left to the deployer to tighten).
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Api-Credential, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// credentialHeader is where a caller supplies api_credential (§6.4).
const credentialHeader = "X-Api-Credential"

// RequireCredential rejects mutating commands when cfg.Auth.APICredential
// is set and the caller's header doesn't match it (§6.1: "all mutating
// commands accept a caller-supplied credential header"). A blank
// configured credential disables the check entirely — local/dev use.
func RequireCredential(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		if c.GetHeader(credentialHeader) != expected {
			_ = c.Error(apperrors.Unauthenticated("missing or invalid " + credentialHeader))
			c.Abort()
			return
		}
		c.Next()
	}
}
