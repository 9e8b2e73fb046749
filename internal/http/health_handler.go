package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PingFunc comprueba la disponibilidad del store.
type PingFunc func(ctx context.Context) error

// HealthHandler reporta liveness, estado del store y sesiones en vivo.
type HealthHandler struct {
	logger *zap.Logger
	ping   PingFunc
	online func() int
}

func NewHealthHandler(logger *zap.Logger, ping PingFunc, online func() int) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger, ping: ping, online: online}
}

// Healthz maneja GET /healthz.
func (h *HealthHandler) Healthz(c *gin.Context) {
	online := 0
	if h.online != nil {
		online = h.online()
	}
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.logger.Warn("store ping failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable", "online": online})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": online})
}
