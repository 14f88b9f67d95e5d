package http

import (
	"context"
	"net/http"
	"strconv"

	"peercall/internal/core/domain"
	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// CallLogReader is the slice of the history store this handler needs.
type CallLogReader interface {
	Recent(ctx context.Context, owner domain.UserID, limit int) ([]domain.CallLogEntry, error)
}

const defaultCallLogLimit = 50

// CallLogHandler serves the local user's call history.
type CallLogHandler struct {
	log  CallLogReader
	self domain.UserID
}

func NewCallLogHandler(log CallLogReader, self domain.UserID) *CallLogHandler {
	return &CallLogHandler{log: log, self: self}
}

func (h *CallLogHandler) SetupRoutes(router gin.IRouter) {
	router.Group("/api/v1").GET("/calls/log", h.Recent)
}

func (h *CallLogHandler) Recent(c *gin.Context) {
	limit := defaultCallLogLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.Error(errors.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := h.log.Recent(c.Request.Context(), h.self, limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
