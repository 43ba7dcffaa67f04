package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/internal/infrastructure/middleware"
	"voicelink/pkg/errors"
	rlog "voicelink/pkg/logger"
	"voicelink/pkg/validation"
)

// CallHandler exposes one signed-in user's call session over HTTP. The user
// is always the one named by the bearer token.
type CallHandler struct {
	sessions ports.SessionDirectory
	stream   *StateStream
	logger   *rlog.ContextLogger
}

func NewCallHandler(sessions ports.SessionDirectory, stream *StateStream, logger *zap.Logger) *CallHandler {
	return &CallHandler{
		sessions: sessions,
		stream:   stream,
		logger:   rlog.NewContextLogger(logger.Named("http")),
	}
}

// SetupRoutes registers the session and call routes on an authenticated group.
func (h *CallHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/session", h.SignIn)
	api.DELETE("/session", h.SignOut)

	call := api.Group("/call")
	{
		call.GET("", h.GetCall)
		call.POST("", h.PlaceCall)
		call.POST("/accept", h.intent("accept_call", ports.CallService.AcceptCall))
		call.POST("/reject", h.intent("reject_call", ports.CallService.RejectCall))
		call.POST("/cancel", h.intent("cancel_call", ports.CallService.CancelCall))
		call.POST("/end", h.intent("end_call", ports.CallService.EndCall))
		call.POST("/mic/toggle", h.ToggleMic)
		call.POST("/screen/start", h.intent("start_screen_share", ports.CallService.StartScreenShare))
		call.POST("/screen/stop", h.intent("stop_screen_share", ports.CallService.StopScreenShare))
		call.GET("/diagnostics", h.GetDiagnostics)
		call.GET("/events", h.Events)
	}
}

type SignInRequest struct {
	DisplayName string `json:"display_name" binding:"max=256"`
}

type PlaceCallRequest struct {
	RemoteUserID domain.UserID `json:"remote_user_id" binding:"required,max=128"`
}

func (h *CallHandler) SignIn(c *gin.Context) {
	var req SignInRequest
	// An empty body is fine: the token may carry the display name.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = c.GetString(middleware.DisplayNameKey)
	}
	if err := validation.ValidateDisplayName(name); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	svc, err := h.sessions.SignIn(c.Request.Context(), domain.User{ID: userID(c), DisplayName: name})
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	h.logger.LogInfo(c.Request.Context(), "signed in", zap.String("display_name", name))
	c.JSON(http.StatusOK, gin.H{
		"user_id": svc.UserID(),
		"call":    svc.Snapshot(),
	})
}

func (h *CallHandler) SignOut(c *gin.Context) {
	if err := h.sessions.SignOut(c.Request.Context(), userID(c)); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	h.logger.LogInfo(c.Request.Context(), "signed out")
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) GetCall(c *gin.Context) {
	svc, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, svc.Snapshot())
}

func (h *CallHandler) GetDiagnostics(c *gin.Context) {
	svc, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, svc.Diagnostics())
}

func (h *CallHandler) PlaceCall(c *gin.Context) {
	var req PlaceCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("remote_user_id is required"))
		return
	}
	svc, ok := h.session(c)
	if !ok {
		return
	}

	if err := svc.PlaceCall(c.Request.Context(), req.RemoteUserID); err != nil {
		h.refused(c, "place_call", err)
		return
	}
	c.JSON(http.StatusAccepted, svc.Snapshot())
}

func (h *CallHandler) ToggleMic(c *gin.Context) {
	svc, ok := h.session(c)
	if !ok {
		return
	}
	muted, err := svc.ToggleMic(c.Request.Context())
	if err != nil {
		h.refused(c, "toggle_mic", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mic_muted": muted})
}

// intent adapts an argument-free CallService method to a handler that
// answers with the resulting snapshot.
func (h *CallHandler) intent(name string, fn func(ports.CallService, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, ok := h.session(c)
		if !ok {
			return
		}
		if err := fn(svc, c.Request.Context()); err != nil {
			h.refused(c, name, err)
			return
		}
		c.JSON(http.StatusOK, svc.Snapshot())
	}
}

func (h *CallHandler) refused(c *gin.Context, intent string, err error) {
	appErr := toAppError(err)
	h.logger.LogInfo(c.Request.Context(), "intent refused",
		zap.String("intent", intent),
		zap.String("code", string(appErr.Code)),
	)
	_ = c.Error(appErr)
}

func (h *CallHandler) session(c *gin.Context) (ports.CallService, bool) {
	svc, ok := h.sessions.Get(userID(c))
	if !ok {
		_ = c.Error(errors.NewNotFoundError("session"))
		return nil, false
	}
	return svc, true
}

func userID(c *gin.Context) domain.UserID {
	if v, ok := c.Get(rlog.UserIDKey); ok {
		if id, ok := v.(domain.UserID); ok {
			return id
		}
	}
	return ""
}

// toAppError gives plain service errors a status.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrSessionClosed):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "call session is shutting down", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return errors.NewNotFoundError("session")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request timed out", http.StatusGatewayTimeout)
	case stderrors.Is(err, context.Canceled):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request cancelled", http.StatusServiceUnavailable)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
