package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"peercall/internal/core/domain"
	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusForDomainError maps engine sentinel errors onto HTTP statuses so
// handlers can push errors with c.Error and stay out of the status
// business.
func statusForDomainError(err error) (int, bool) {
	switch {
	case stderrors.Is(err, domain.ErrMissingField):
		return http.StatusBadRequest, true
	case stderrors.Is(err, domain.ErrSessionNotFound),
		stderrors.Is(err, domain.ErrTrackNotFound),
		stderrors.Is(err, domain.ErrCallNotFound),
		stderrors.Is(err, domain.ErrNoActiveCall):
		return http.StatusNotFound, true
	case stderrors.Is(err, domain.ErrNotInChannel),
		stderrors.Is(err, domain.ErrAlreadyInChannel),
		stderrors.Is(err, domain.ErrCallInProgress),
		stderrors.Is(err, domain.ErrCallNotRinging),
		stderrors.Is(err, domain.ErrCallConcluded),
		stderrors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict, true
	case stderrors.Is(err, domain.ErrEngineClosed):
		return http.StatusServiceUnavailable, true
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	default:
		return 0, false
	}
}

// ErrorHandlerMiddleware turns errors pushed by handlers into HTTP
// responses. AppErrors carry their own status, engine sentinels map per
// statusForDomainError, everything else is a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := errors.GetAppError(err); appErr != nil {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}

		if status, ok := statusForDomainError(err); ok {
			logger.Warnw("request rejected",
				"error", err.Error(),
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from handler panics and answers with a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"error", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
