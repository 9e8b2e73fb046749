package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dm-relay/internal/domain"
	"dm-relay/internal/repository"
)

// DefaultDedupWindow es la ventana en la que un envío idéntico se colapsa en el registro existente.
const DefaultDedupWindow = 500 * time.Millisecond

const defaultStoreTimeout = 5 * time.Second

var (
	ErrMessageServiceNotConfigured = errors.New("message service not configured")
	ErrMessageInvalidInput         = errors.New("message invalid input")
	ErrMessageNotFound             = errors.New("message not found")
	ErrMessageForbidden            = errors.New("message forbidden")
)

// MessageService encapsula el almacenamiento de mensajes con reglas de propiedad y dedup de creación.
type MessageService struct {
	logger  *zap.Logger
	repo    repository.MessageRepository
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
	locks   *pairLocks
}

func NewMessageService(logger *zap.Logger, repo repository.MessageRepository, window, timeout time.Duration) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window < 0 {
		window = DefaultDedupWindow
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &MessageService{
		logger:  logger,
		repo:    repo,
		window:  window,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   newPairLocks(),
	}
}

// Create inserta un mensaje nuevo sin aplicar dedup.
func (s *MessageService) Create(ctx context.Context, senderID, recipientID int64, content string) (domain.Message, error) {
	if s == nil || s.repo == nil {
		return domain.Message{}, ErrMessageServiceNotConfigured
	}
	content = strings.TrimSpace(content)
	if senderID <= 0 || recipientID <= 0 || content == "" {
		return domain.Message{}, ErrMessageInvalidInput
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.Create(ctx, domain.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
	})
}

// Send devuelve el mensaje más reciente con el mismo (sender, recipient, content) si es
// más joven que la ventana de dedup; si no, crea uno nuevo. created indica cuál de los dos.
// Los envíos de un mismo par se serializan dentro del proceso.
func (s *MessageService) Send(ctx context.Context, senderID, recipientID int64, content string) (domain.Message, bool, error) {
	if s == nil || s.repo == nil {
		return domain.Message{}, false, ErrMessageServiceNotConfigured
	}
	content = strings.TrimSpace(content)
	if senderID <= 0 || recipientID <= 0 || content == "" {
		return domain.Message{}, false, ErrMessageInvalidInput
	}

	unlock := s.locks.lock(senderID, recipientID)
	defer unlock()

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	recent, err := s.repo.FindLatest(lookupCtx, senderID, recipientID, content)
	cancel()
	switch {
	case err == nil:
		if age := s.now().Sub(recent.CreatedAt); age < s.window {
			s.logger.Debug("duplicate send collapsed",
				zap.String("message_id", recent.ID),
				zap.Int64("sender_id", senderID),
				zap.Duration("age", age),
			)
			return recent, false, nil
		}
	case errors.Is(err, repository.ErrMessageNotFound):
	default:
		return domain.Message{}, false, err
	}

	msg, err := s.Create(ctx, senderID, recipientID, content)
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, true, nil
}

// ListConversation devuelve los mensajes entre dos usuarios en ambas direcciones, en orden de creación.
func (s *MessageService) ListConversation(ctx context.Context, userA, userB int64) ([]domain.Message, error) {
	if s == nil || s.repo == nil {
		return nil, ErrMessageServiceNotConfigured
	}
	if userA <= 0 || userB <= 0 {
		return nil, ErrMessageInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messages, err := s.repo.ListConversation(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// MarkRead marca el mensaje como leído. Repetirlo no cambia el estado.
func (s *MessageService) MarkRead(ctx context.Context, messageID string) (domain.Message, error) {
	if s == nil || s.repo == nil {
		return domain.Message{}, ErrMessageServiceNotConfigured
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return domain.Message{}, ErrMessageNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.repo.MarkRead(ctx, messageID, s.now())
	if errors.Is(err, repository.ErrMessageNotFound) {
		return domain.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// Update reemplaza el contenido; sólo el remitente puede editar.
func (s *MessageService) Update(ctx context.Context, messageID string, callerID int64, content string) (domain.Message, error) {
	if s == nil || s.repo == nil {
		return domain.Message{}, ErrMessageServiceNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.ownedMessage(ctx, messageID, callerID); err != nil {
		return domain.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, ErrMessageInvalidInput
	}

	msg, err := s.repo.UpdateContent(ctx, strings.TrimSpace(messageID), content, s.now())
	if errors.Is(err, repository.ErrMessageNotFound) {
		return domain.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// Delete elimina el mensaje; sólo el remitente puede borrar.
func (s *MessageService) Delete(ctx context.Context, messageID string, callerID int64) error {
	if s == nil || s.repo == nil {
		return ErrMessageServiceNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.ownedMessage(ctx, messageID, callerID); err != nil {
		return err
	}
	affected, err := s.repo.Delete(ctx, strings.TrimSpace(messageID))
	if err != nil {
		return err
	}
	// Otro request pudo borrarlo entre la lectura y el delete.
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *MessageService) ownedMessage(ctx context.Context, messageID string, callerID int64) (domain.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return domain.Message{}, ErrMessageNotFound
	}
	msg, err := s.repo.GetByID(ctx, messageID)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return domain.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	if msg.SenderID != callerID {
		return domain.Message{}, ErrMessageForbidden
	}
	return msg, nil
}

type pairKey struct {
	sender    int64
	recipient int64
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks es un mutex por par (sender, recipient) que se libera al quedar sin usuarios.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairLock)}
}

func (p *pairLocks) lock(senderID, recipientID int64) func() {
	key := pairKey{sender: senderID, recipient: recipientID}

	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
