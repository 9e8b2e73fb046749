package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dm-relay/internal/service"
)

// RouterDeps agrupa lo que el router necesita para montar las rutas.
type RouterDeps struct {
	Logger      *zap.Logger
	JWT         *service.JWTService
	Messages    *MessageHandler
	WS          *WSHandler
	Health      *HealthHandler
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
}

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(zapLoggerMiddleware(deps.Logger), gin.Recovery(), corsMiddleware(deps.CORSOrigins))

	r.GET("/healthz", deps.Health.Healthz)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := JWTAuthMiddleware(deps.JWT)
	r.GET("/ws", auth, deps.WS.Connect)

	messages := r.Group("/messages", jsonContentTypeMiddleware(), auth)
	messages.POST("", deps.Messages.SendMessage)
	messages.GET("/:userId1/:userId2", deps.Messages.GetConversation)
	messages.PATCH("/:messageId/read", deps.Messages.MarkRead)
	messages.PATCH("/:messageId", deps.Messages.UpdateMessage)
	messages.DELETE("/:messageId", deps.Messages.DeleteMessage)

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
