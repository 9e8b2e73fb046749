package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"dm-relay/internal/domain"
)

const badgerConflictRetries = 3

// BadgerMessageRepository persiste mensajes en BadgerDB embebido.
//
// Claves:
//   - "msg:{id}" guarda el registro completo.
//   - "conv:{min}:{max}:{nanos%019d}:{seq%020d}:{id}" indexa la conversación; el
//     padding hace que el orden lexicográfico coincida con el de creación.
//   - "latest:{sender}:{recipient}:{blake2b(content)}" apunta al último mensaje
//     con ese contenido, para el dedup de creación.
type BadgerMessageRepository struct {
	db  *badger.DB
	seq atomic.Uint64
}

type badgerRecord struct {
	Message domain.Message `json:"message"`
	Seq     uint64         `json:"seq"`
}

func NewBadgerMessageRepository(db *badger.DB) *BadgerMessageRepository {
	return &BadgerMessageRepository{db: db}
}

func (r *BadgerMessageRepository) Create(_ context.Context, message domain.Message) (domain.Message, error) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	stampCreate(&message, time.Nanosecond)
	rec := badgerRecord{Message: message, Seq: r.seq.Add(1)}

	data, err := json.Marshal(rec)
	if err != nil {
		return domain.Message{}, err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(message.ID), data); err != nil {
			return err
		}
		if err := txn.Set(convKey(rec), []byte(message.ID)); err != nil {
			return err
		}
		return txn.Set(latestKey(message.SenderID, message.RecipientID, message.Content), []byte(message.ID))
	})
	if err != nil {
		return domain.Message{}, err
	}
	return message, nil
}

func (r *BadgerMessageRepository) FindLatest(_ context.Context, senderID, recipientID int64, content string) (domain.Message, error) {
	var out domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(senderID, recipientID, content))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := getRecord(txn, string(id))
		if err != nil {
			return err
		}
		// El mensaje pudo editarse después de crearse.
		if rec.Message.Content != content {
			return ErrMessageNotFound
		}
		out = rec.Message
		return nil
	})
	if err != nil {
		return domain.Message{}, mapBadgerErr(err)
	}
	return out, nil
}

func (r *BadgerMessageRepository) ListConversation(_ context.Context, userA, userB int64) ([]domain.Message, error) {
	messages := []domain.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := convPrefix(userA, userB)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := getRecord(txn, string(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			messages = append(messages, rec.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *BadgerMessageRepository) GetByID(_ context.Context, id string) (domain.Message, error) {
	var out domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		out = rec.Message
		return nil
	})
	if err != nil {
		return domain.Message{}, mapBadgerErr(err)
	}
	return out, nil
}

func (r *BadgerMessageRepository) MarkRead(_ context.Context, id string, at time.Time) (domain.Message, error) {
	return r.mutate(id, func(m *domain.Message) {
		if m.IsRead {
			return
		}
		m.IsRead = true
		m.UpdatedAt = at.UTC()
	})
}

func (r *BadgerMessageRepository) UpdateContent(_ context.Context, id, content string, at time.Time) (domain.Message, error) {
	return r.mutate(id, func(m *domain.Message) {
		m.Content = content
		m.UpdatedAt = at.UTC()
	})
}

func (r *BadgerMessageRepository) Delete(_ context.Context, id string) (int64, error) {
	var affected int64
	err := r.retryUpdate(func(txn *badger.Txn) error {
		affected = 0
		rec, err := getRecord(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(msgKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(convKey(rec)); err != nil {
			return err
		}
		lk := latestKey(rec.Message.SenderID, rec.Message.RecipientID, rec.Message.Content)
		if item, err := txn.Get(lk); err == nil {
			pointed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(pointed) == id {
				if err := txn.Delete(lk); err != nil {
					return err
				}
			}
		}
		affected = 1
		return nil
	})
	return affected, err
}

func (r *BadgerMessageRepository) mutate(id string, fn func(*domain.Message)) (domain.Message, error) {
	var out domain.Message
	err := r.retryUpdate(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		fn(&rec.Message)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(id), data); err != nil {
			return err
		}
		out = rec.Message
		return nil
	})
	if err != nil {
		return domain.Message{}, mapBadgerErr(err)
	}
	return out, nil
}

func (r *BadgerMessageRepository) retryUpdate(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getRecord(txn *badger.Txn, id string) (badgerRecord, error) {
	var rec badgerRecord
	item, err := txn.Get(msgKey(id))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func mapBadgerErr(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrMessageNotFound
	}
	return err
}

func msgKey(id string) []byte {
	return []byte("msg:" + id)
}

func convPrefix(userA, userB int64) []byte {
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}
	return []byte(fmt.Sprintf("conv:%d:%d:", lo, hi))
}

func convKey(rec badgerRecord) []byte {
	m := rec.Message
	prefix := convPrefix(m.SenderID, m.RecipientID)
	return append(prefix, []byte(fmt.Sprintf("%019d:%020d:%s", m.CreatedAt.UnixNano(), rec.Seq, m.ID))...)
}

func latestKey(senderID, recipientID int64, content string) []byte {
	sum := blake2b.Sum256([]byte(content))
	return []byte(fmt.Sprintf("latest:%d:%d:%x", senderID, recipientID, sum))
}
