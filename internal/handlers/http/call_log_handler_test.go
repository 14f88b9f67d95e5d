package http

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCallLog struct {
	entries []domain.CallLogEntry
	err     error

	owner domain.UserID
	limit int
}

func (f *fakeCallLog) Recent(_ context.Context, owner domain.UserID, limit int) ([]domain.CallLogEntry, error) {
	f.owner = owner
	f.limit = limit
	return f.entries, f.err
}

func newCallLogRouter(log *fakeCallLog) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewCallLogHandler(log, "alice").SetupRoutes(router)
	return router
}

func TestCallLog_Recent(t *testing.T) {
	log := &fakeCallLog{entries: []domain.CallLogEntry{
		{
			CallID:     "call_1",
			ChannelID:  "dm:alice:bob",
			CallType:   domain.CallTypeVoice,
			Outcome:    domain.OutcomeEnded,
			CallerID:   "alice",
			ReceiverID: "bob",
			Duration:   90 * time.Second,
			LoggedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}}
	router := newCallLogRouter(log)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/calls/log", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.UserID("alice"), log.owner)
	assert.Equal(t, defaultCallLogLimit, log.limit)

	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["count"])
	entries, ok := body["entries"].([]interface{})
	require.True(t, ok)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "ended", entry["outcome"])
	assert.Equal(t, "dm:alice:bob", entry["channelId"])
}

func TestCallLog_CustomLimit(t *testing.T) {
	log := &fakeCallLog{}
	router := newCallLogRouter(log)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/calls/log?limit=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, log.limit)
}

func TestCallLog_RejectsBadLimit(t *testing.T) {
	for _, limit := range []string{"abc", "0", "-3"} {
		t.Run(limit, func(t *testing.T) {
			log := &fakeCallLog{}
			router := newCallLogRouter(log)

			rec := doJSON(t, router, http.MethodGet, "/api/v1/calls/log?limit="+limit, "")

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, log.limit, "store must not be consulted")
		})
	}
}

func TestCallLog_StoreFailure(t *testing.T) {
	log := &fakeCallLog{err: errors.New("redis gone")}
	router := newCallLogRouter(log)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/calls/log", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
