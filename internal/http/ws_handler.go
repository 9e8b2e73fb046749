package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"dm-relay/internal/realtime"
	"dm-relay/internal/service"
)

type wsSendPayload struct {
	SenderID    int64  `json:"senderId" validate:"required,gt=0"`
	RecipientID int64  `json:"recipientId" validate:"required,gt=0"`
	Content     string `json:"content" validate:"required"`
}

// WSHandler es el gateway websocket: registra la sesión y despacha los frames del cliente.
type WSHandler struct {
	logger     *zap.Logger
	relay      *service.RelayService
	registry   *realtime.Registry
	limiter    service.SendRateLimiter
	validate   *validator.Validate
	upgrader   websocket.Upgrader
	sendBuffer int
}

func NewWSHandler(
	logger *zap.Logger,
	relay *service.RelayService,
	registry *realtime.Registry,
	limiter service.SendRateLimiter,
	allowedOrigins []string,
	sendBuffer int,
) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowAll := len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*")
	return &WSHandler{
		logger:     logger,
		relay:      relay,
		registry:   registry,
		limiter:    limiter,
		validate:   validator.New(),
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || lo.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Connect maneja GET /ws. El token ya fue validado por JWTAuthMiddleware.
func (h *WSHandler) Connect(c *gin.Context) {
	identity, _ := GetCallerID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := realtime.NewClient(conn, identity, h.sendBuffer, h.logger)
	go client.WritePump()

	if err := h.registry.Connect(identity, client); err != nil {
		return
	}
	defer h.registry.Disconnect(client)

	_ = client.Send(realtime.Event{Name: realtime.EventConnected, Data: gin.H{
		"userId": identity,
		"connId": client.ID(),
	}})

	client.ReadPump(func(payload []byte) {
		h.dispatch(c, client, payload)
	})
}

func (h *WSHandler) dispatch(c *gin.Context, client *realtime.Client, payload []byte) {
	var in realtime.InboundEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		h.logger.Warn("invalid websocket frame", zap.String("conn_id", client.ID()), zap.Error(err))
		_ = client.Send(realtime.Event{Name: realtime.EventError, Data: gin.H{"message": "invalid frame"}})
		return
	}

	switch in.Name {
	case realtime.EventPing:
		_ = client.Send(realtime.Event{Name: realtime.EventPong})
	case realtime.EventSendMessage:
		h.handleSend(c, client, in.Data)
	default:
		_ = client.Send(realtime.Event{Name: realtime.EventError, Data: gin.H{"message": "unknown event"}})
	}
}

func (h *WSHandler) handleSend(c *gin.Context, client *realtime.Client, data json.RawMessage) {
	var req wsSendPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			req = wsSendPayload{}
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Warn("invalid message payload", zap.Int64("identity", client.Identity()), zap.Error(err))
		h.ack(client, service.SendResult{Status: service.StatusError, Message: "Invalid payload"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow(strconv.FormatInt(client.Identity(), 10)) {
		h.ack(client, service.SendResult{Status: service.StatusError, Message: "Too many requests"})
		return
	}

	result, err := h.relay.HandleSend(c.Request.Context(), client.Identity(), service.SendInput{
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
	})
	if err != nil && !errors.Is(err, service.ErrAlreadyProcessed) {
		h.logger.Debug("websocket send rejected", zap.Int64("identity", client.Identity()), zap.Error(err))
	}
	h.ack(client, result)
	if err == nil && result.Data != nil {
		_ = client.Send(realtime.Event{Name: realtime.EventMessageSent, Data: result.Data})
	}
}

func (h *WSHandler) ack(client *realtime.Client, result service.SendResult) {
	if err := client.Send(realtime.Event{Name: realtime.EventAck, Data: result}); err != nil {
		h.logger.Debug("ack not delivered", zap.String("conn_id", client.ID()), zap.Error(err))
	}
}
