package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dm-relay/internal/domain"
)

// ErrMessageNotFound se devuelve cuando el mensaje no existe en el store.
var ErrMessageNotFound = errors.New("message not found")

// MessageRepository define el almacenamiento durable de mensajes directos.
// Todas las implementaciones asignan id, createdAt y updatedAt al crear.
type MessageRepository interface {
	Create(ctx context.Context, message domain.Message) (domain.Message, error)
	FindLatest(ctx context.Context, senderID, recipientID int64, content string) (domain.Message, error)
	ListConversation(ctx context.Context, userA, userB int64) ([]domain.Message, error)
	GetByID(ctx context.Context, id string) (domain.Message, error)
	MarkRead(ctx context.Context, id string, at time.Time) (domain.Message, error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) (domain.Message, error)
	Delete(ctx context.Context, id string) (int64, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

const pgMessageColumns = `id, sender_id, recipient_id, content, is_read, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PgMessageRepository) Create(ctx context.Context, message domain.Message) (domain.Message, error) {
	const query = `
		INSERT INTO messages (id, sender_id, recipient_id, content, is_read, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	id := uuid.New()
	if message.ID != "" {
		parsed, err := uuid.Parse(message.ID)
		if err != nil {
			return domain.Message{}, fmt.Errorf("invalid message id: %w", err)
		}
		id = parsed
	}
	message.ID = id.String()
	stampCreate(&message, time.Microsecond)

	_, err := r.pool.Exec(ctx, query,
		id,
		message.SenderID,
		message.RecipientID,
		message.Content,
		message.IsRead,
		message.CreatedAt,
		message.UpdatedAt,
	)
	if err != nil {
		return domain.Message{}, err
	}
	return message, nil
}

func (r *PgMessageRepository) FindLatest(ctx context.Context, senderID, recipientID int64, content string) (domain.Message, error) {
	query := `
		SELECT ` + pgMessageColumns + `
		FROM messages
		WHERE sender_id = $1 AND recipient_id = $2 AND content = $3
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`
	return scanPgMessage(r.pool.QueryRow(ctx, query, senderID, recipientID, content))
}

func (r *PgMessageRepository) ListConversation(ctx context.Context, userA, userB int64) ([]domain.Message, error) {
	query := `
		SELECT ` + pgMessageColumns + `
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.pool.Query(ctx, query, userA, userB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id string) (domain.Message, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.Message{}, ErrMessageNotFound
	}
	query := `SELECT ` + pgMessageColumns + ` FROM messages WHERE id = $1`
	return scanPgMessage(r.pool.QueryRow(ctx, query, parsed))
}

func (r *PgMessageRepository) MarkRead(ctx context.Context, id string, at time.Time) (domain.Message, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.Message{}, ErrMessageNotFound
	}
	query := `
		UPDATE messages
		SET is_read = TRUE,
		    updated_at = CASE WHEN is_read THEN updated_at ELSE $2 END
		WHERE id = $1
		RETURNING ` + pgMessageColumns
	return scanPgMessage(r.pool.QueryRow(ctx, query, parsed, at.UTC()))
}

func (r *PgMessageRepository) UpdateContent(ctx context.Context, id, content string, at time.Time) (domain.Message, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.Message{}, ErrMessageNotFound
	}
	query := `
		UPDATE messages SET content = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + pgMessageColumns
	return scanPgMessage(r.pool.QueryRow(ctx, query, parsed, content, at.UTC()))
}

func (r *PgMessageRepository) Delete(ctx context.Context, id string) (int64, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, parsed)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPgMessage(row rowScanner) (domain.Message, error) {
	var (
		msg domain.Message
		id  uuid.UUID
	)
	err := row.Scan(
		&id,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.Content,
		&msg.IsRead,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	msg.ID = id.String()
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return msg, nil
}

// stampCreate asigna timestamps de creación con la precisión del backend.
func stampCreate(message *domain.Message, precision time.Duration) {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	message.CreatedAt = message.CreatedAt.UTC().Truncate(precision)
	message.UpdatedAt = message.CreatedAt
	message.IsRead = false
}
