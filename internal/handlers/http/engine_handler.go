package http

import (
	"net/http"
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/errors"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// EngineHandler exposes the call engine over the local control API. The
// UI process drives everything the user can do through these routes.
type EngineHandler struct {
	engine ports.CallEngine
}

func NewEngineHandler(engine ports.CallEngine) *EngineHandler {
	return &EngineHandler{engine: engine}
}

func (h *EngineHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/channel/join", h.JoinChannel)
		api.POST("/channel/leave", h.LeaveChannel)

		api.POST("/call", h.StartCall)
		api.POST("/call/answer", h.AnswerCall)
		api.POST("/call/decline", h.DeclineCall)
		api.POST("/call/end", h.EndCall)

		api.POST("/media/mute", h.SetMuted)
		api.POST("/media/deafen", h.SetDeafened)
		api.POST("/media/video", h.SetVideo)
		api.POST("/media/screen", h.SetScreenShare)
		api.POST("/media/camera/refresh", h.RefreshCamera)

		api.GET("/participants", h.Participants)
		api.GET("/state", h.State)
	}
}

func (h *EngineHandler) JoinChannel(c *gin.Context) {
	var req struct {
		ChannelID string `json:"channel_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	id := strings.TrimSpace(req.ChannelID)
	if err := validation.ValidateChannelID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	channel := domain.ChannelID(id)

	if err := h.engine.JoinChannel(c.Request.Context(), channel); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": channel})
}

func (h *EngineHandler) LeaveChannel(c *gin.Context) {
	if err := h.engine.LeaveChannel(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *EngineHandler) StartCall(c *gin.Context) {
	var req struct {
		To       string `json:"to" binding:"required"`
		CallType string `json:"call_type"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if err := validation.ValidateUserID(req.To); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if req.CallType == "" {
		req.CallType = string(domain.CallTypeVoice)
	}
	if err := validation.ValidateCallType(req.CallType); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	callType := domain.CallType(req.CallType)

	rec, err := h.engine.StartCall(c.Request.Context(), domain.UserID(req.To), callType)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": rec})
}

func (h *EngineHandler) AnswerCall(c *gin.Context) {
	if err := h.engine.AnswerCall(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *EngineHandler) DeclineCall(c *gin.Context) {
	if err := h.engine.DeclineCall(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *EngineHandler) EndCall(c *gin.Context) {
	if err := h.engine.EndCall(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindToggle reads the shared {"enabled": bool} body. The field is a
// pointer so an explicit false is distinguishable from a missing field.
func bindToggle(c *gin.Context) (bool, bool) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("body must carry an enabled flag"))
		return false, false
	}
	return *req.Enabled, true
}

func (h *EngineHandler) SetMuted(c *gin.Context) {
	enabled, ok := bindToggle(c)
	if !ok {
		return
	}
	if err := h.engine.SetMuted(c.Request.Context(), enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": enabled})
}

func (h *EngineHandler) SetDeafened(c *gin.Context) {
	enabled, ok := bindToggle(c)
	if !ok {
		return
	}
	if err := h.engine.SetDeafened(c.Request.Context(), enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deafened": enabled})
}

func (h *EngineHandler) SetVideo(c *gin.Context) {
	enabled, ok := bindToggle(c)
	if !ok {
		return
	}
	if err := h.engine.SetVideo(c.Request.Context(), enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video": enabled})
}

func (h *EngineHandler) SetScreenShare(c *gin.Context) {
	enabled, ok := bindToggle(c)
	if !ok {
		return
	}
	if err := h.engine.SetScreenShare(c.Request.Context(), enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"screen_sharing": enabled})
}

func (h *EngineHandler) RefreshCamera(c *gin.Context) {
	if err := h.engine.RefreshCamera(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *EngineHandler) Participants(c *gin.Context) {
	participants := h.engine.Participants()
	c.JSON(http.StatusOK, gin.H{
		"participants": participants,
		"count":        len(participants),
	})
}

func (h *EngineHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}
