package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"insights-gateway/internal/remote"
	"insights-gateway/internal/shared/server/middleware"
	"insights-gateway/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the conversation service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches conversation routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chat", h.submitQuestion)
	rg.POST("/chat/confirm", h.confirm)
	rg.POST("/chat/edit", h.submitEdited)
	rg.POST("/chat/refine", h.refine)
	rg.GET("/chat/report", h.downloadReport)
	rg.POST("/chat/feedback", h.submitFeedback)
	rg.GET("/sessions/:id/history", h.history)
	rg.DELETE("/sessions/:id", h.deleteSession)
}

type questionRequest struct {
	Message string `json:"message"`
}

type confirmRequest struct {
	Confirmed bool `json:"confirmed"`
}

type refineRequest struct {
	Feedback string `json:"feedback"`
}

type feedbackRequest struct {
	MessageID int64  `json:"messageId"`
	Type      string `json:"type"`
	Feedback  string `json:"feedback"`
}

func (h *Handler) submitQuestion(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	turn, err := h.Svc.SubmitQuestion(c.Request.Context(), sessionID, req.Message)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	h.writeTurn(c, turn)
}

func (h *Handler) confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	turn, err := h.Svc.Confirm(c.Request.Context(), sessionID, req.Confirmed)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	h.writeTurn(c, turn)
}

func (h *Handler) submitEdited(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	turn, err := h.Svc.SubmitEditedQuestion(c.Request.Context(), sessionID, req.Message)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	h.writeTurn(c, turn)
}

func (h *Handler) refine(c *gin.Context) {
	var req refineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	turn, err := h.Svc.Refine(c.Request.Context(), sessionID, req.Feedback)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	h.writeTurn(c, turn)
}

func (h *Handler) downloadReport(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	body, contentType, filename, err := h.Svc.DownloadReport(c.Request.Context(), sessionID)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, body)
}

func (h *Handler) submitFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	sessionID := middleware.SessionIDFromContext(c)
	if err := h.Svc.SubmitFeedback(c.Request.Context(), sessionID, req.MessageID, req.Type, req.Feedback); err != nil {
		h.respondChatError(c, err)
		return
	}
	respond.OK(c, gin.H{"recorded": true})
}

func (h *Handler) history(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "session id is required", nil)
		return
	}
	session, err := h.Svc.History(c.Request.Context(), sessionID)
	if err != nil {
		h.respondChatError(c, err)
		return
	}
	respond.OK(c, gin.H{
		"sessionId": session.ID,
		"messages":  session.Messages,
		"pending":   session.Pending,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "session id is required", nil)
		return
	}
	if err := h.Svc.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.respondChatError(c, err)
		return
	}
	respond.OK(c, gin.H{"deleted": true})
}

func (h *Handler) writeTurn(c *gin.Context, turn Turn) {
	if turn.SystemMessage.ID != 0 {
		c.Set("messageId", strconv.FormatInt(turn.SystemMessage.ID, 10))
	}
	respond.OK(c, turn)
}

func (h *Handler) respondChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionBusy):
		respond.Error(c, http.StatusConflict, "session_busy", "another request is in progress for this session", nil)
	case errors.Is(err, ErrPendingPrompt):
		respond.Error(c, http.StatusConflict, "pending_confirmation", "resolve the pending confirmation first", nil)
	case errors.Is(err, ErrNoPendingPrompt):
		respond.Error(c, http.StatusBadRequest, "no_pending_confirmation", "there is no confirmation to resolve", nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "not found", nil)
	case IsValidation(err):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case remote.IsCancelled(err):
		// Client went away; 499 keeps the request log honest.
		c.AbortWithStatus(499)
	default:
		var ce *remote.CallError
		if errors.As(err, &ce) {
			respond.Error(c, http.StatusBadGateway, "upstream_error", "the query service is unavailable", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to process request", nil)
	}
}
