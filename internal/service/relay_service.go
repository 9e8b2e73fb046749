package service

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"dm-relay/internal/domain"
	"dm-relay/internal/metrics"
	"dm-relay/internal/realtime"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	resultInvalidPayload   = "Invalid payload"
	resultAlreadyProcessed = "Message already processed"
)

var ErrAlreadyProcessed = errors.New("message already processed")

// Broadcaster entrega eventos al grupo de una identidad.
type Broadcaster interface {
	BroadcastTo(identity int64, event realtime.Event) error
}

type SendInput struct {
	SenderID    int64  `json:"senderId"`
	RecipientID int64  `json:"recipientId"`
	Content     string `json:"content"`
}

// SendResult es el ack devuelto al emisor.
type SendResult struct {
	Status  string          `json:"status"`
	Data    *domain.Message `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// RelayService orquesta persistencia, dedup de entrega y fan-out en vivo.
type RelayService struct {
	logger      *zap.Logger
	messages    *MessageService
	processed   ProcessedSet
	broadcaster Broadcaster
	metrics     *metrics.Relay
}

func NewRelayService(logger *zap.Logger, messages *MessageService, processed ProcessedSet, broadcaster Broadcaster, m *metrics.Relay) *RelayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if processed == nil {
		processed = NewMemoryProcessedSet(DefaultProcessedTTL, DefaultProcessedMax)
	}
	return &RelayService{
		logger:      logger,
		messages:    messages,
		processed:   processed,
		broadcaster: broadcaster,
		metrics:     m,
	}
}

// HandleSend persiste el mensaje (con dedup de creación) y lo difunde una sola vez
// al grupo del destinatario y al del remitente.
func (s *RelayService) HandleSend(ctx context.Context, callerID int64, in SendInput) (SendResult, error) {
	if s == nil || s.messages == nil {
		return SendResult{Status: StatusError}, ErrMessageServiceNotConfigured
	}
	content := strings.TrimSpace(in.Content)
	if in.SenderID <= 0 || in.RecipientID <= 0 || content == "" {
		s.logger.Warn("invalid message payload",
			zap.Int64("caller_id", callerID),
			zap.Int64("sender_id", in.SenderID),
			zap.Int64("recipient_id", in.RecipientID),
		)
		return SendResult{Status: StatusError, Message: resultInvalidPayload}, ErrMessageInvalidInput
	}
	if callerID != in.SenderID {
		return SendResult{Status: StatusError, Message: "Forbidden"}, ErrMessageForbidden
	}

	msg, created, err := s.messages.Send(ctx, in.SenderID, in.RecipientID, content)
	if err != nil {
		s.logger.Error("send message failed", zap.Int64("sender_id", in.SenderID), zap.Error(err))
		return SendResult{Status: StatusError, Message: "Internal error"}, err
	}
	if created {
		s.metrics.Persisted()
	} else {
		s.metrics.Deduplicated()
	}

	first, err := s.processed.MarkProcessed(ctx, msg.ID)
	if err != nil {
		s.logger.Warn("processed set unavailable", zap.String("message_id", msg.ID), zap.Error(err))
		first = true
	}
	if !first {
		s.metrics.AlreadyProcessed()
		return SendResult{Status: StatusError, Message: resultAlreadyProcessed, Data: &msg}, ErrAlreadyProcessed
	}

	s.broadcast(msg)
	return SendResult{Status: StatusSuccess, Data: &msg}, nil
}

func (s *RelayService) broadcast(msg domain.Message) {
	if s.broadcaster == nil {
		return
	}
	event := realtime.Event{Name: realtime.EventMessageReceived, Data: msg}
	for _, identity := range lo.Uniq([]int64{msg.RecipientID, msg.SenderID}) {
		err := s.broadcaster.BroadcastTo(identity, event)
		s.metrics.Delivery(err == nil)
		if err == nil {
			continue
		}
		if errors.Is(err, realtime.ErrNoSession) {
			s.logger.Debug("no live session for broadcast",
				zap.String("message_id", msg.ID),
				zap.Int64("identity", identity),
			)
			continue
		}
		s.logger.Warn("broadcast failed",
			zap.String("message_id", msg.ID),
			zap.Int64("identity", identity),
			zap.Error(err),
		)
	}
}

// HandleConversationView exige que quien consulta sea participante de la conversación.
func (s *RelayService) HandleConversationView(ctx context.Context, callerID, userA, userB int64) ([]domain.Message, error) {
	if s == nil || s.messages == nil {
		return nil, ErrMessageServiceNotConfigured
	}
	if userA <= 0 || userB <= 0 {
		return nil, ErrMessageInvalidInput
	}
	if callerID != userA && callerID != userB {
		return nil, ErrMessageForbidden
	}
	return s.messages.ListConversation(ctx, userA, userB)
}

func (s *RelayService) HandleMarkRead(ctx context.Context, messageID string) (domain.Message, error) {
	if s == nil || s.messages == nil {
		return domain.Message{}, ErrMessageServiceNotConfigured
	}
	return s.messages.MarkRead(ctx, messageID)
}

func (s *RelayService) HandleUpdate(ctx context.Context, callerID int64, messageID, content string) (domain.Message, error) {
	if s == nil || s.messages == nil {
		return domain.Message{}, ErrMessageServiceNotConfigured
	}
	return s.messages.Update(ctx, messageID, callerID, content)
}

func (s *RelayService) HandleDelete(ctx context.Context, callerID int64, messageID string) error {
	if s == nil || s.messages == nil {
		return ErrMessageServiceNotConfigured
	}
	return s.messages.Delete(ctx, messageID, callerID)
}
