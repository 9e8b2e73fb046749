package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dm-relay/internal/service"
)

// MessageHandler expone el relay por REST.
type MessageHandler struct {
	logger  *zap.Logger
	relay   *service.RelayService
	limiter service.SendRateLimiter
}

func NewMessageHandler(logger *zap.Logger, relay *service.RelayService, limiter service.SendRateLimiter) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		logger:  logger,
		relay:   relay,
		limiter: limiter,
	}
}

// SendMessage maneja POST /messages.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	callerID, ok := GetCallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req service.SendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid send message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow(strconv.FormatInt(callerID, 10)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}

	result, err := h.relay.HandleSend(c.Request.Context(), callerID, req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, result.Data)
	case errors.Is(err, service.ErrAlreadyProcessed):
		c.JSON(http.StatusOK, result.Data)
	case errors.Is(err, service.ErrMessageInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": result.Message})
	default:
		h.writeError(c, "send message failed", err)
	}
}

// GetConversation maneja GET /messages/:userId1/:userId2.
func (h *MessageHandler) GetConversation(c *gin.Context) {
	callerID, ok := GetCallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userA, errA := strconv.ParseInt(c.Param("userId1"), 10, 64)
	userB, errB := strconv.ParseInt(c.Param("userId2"), 10, 64)
	if errA != nil || errB != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	messages, err := h.relay.HandleConversationView(c.Request.Context(), callerID, userA, userB)
	if err != nil {
		h.writeError(c, "list conversation failed", err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// MarkRead maneja PATCH /messages/:messageId/read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	msg, err := h.relay.HandleMarkRead(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		h.writeError(c, "mark read failed", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// UpdateMessage maneja PATCH /messages/:messageId.
func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	callerID, ok := GetCallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid update message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg, err := h.relay.HandleUpdate(c.Request.Context(), callerID, c.Param("messageId"), req.Content)
	if err != nil {
		h.writeError(c, "update message failed", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage maneja DELETE /messages/:messageId.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	callerID, ok := GetCallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.relay.HandleDelete(c.Request.Context(), callerID, c.Param("messageId")); err != nil {
		h.writeError(c, "delete message failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrMessageInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, service.ErrMessageForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
