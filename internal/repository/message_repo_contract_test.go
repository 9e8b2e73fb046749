package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-relay/internal/config"
	"dm-relay/internal/db"
	"dm-relay/internal/domain"
)

func Test_Memory_Message_Repository(t *testing.T) {
	runMessageRepositoryContract(t, func(t *testing.T) MessageRepository {
		return NewMemoryMessageRepository()
	})
}

func Test_Badger_Message_Repository(t *testing.T) {
	runMessageRepositoryContract(t, func(t *testing.T) MessageRepository {
		bdb, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
		require.NoError(t, err)
		t.Cleanup(func() { _ = bdb.Close() })
		return NewBadgerMessageRepository(bdb)
	})
}

// Test_Pg_Message_Repository corre contra TEST_DATABASE_URL; la tabla messages se vacía en cada caso.
func Test_Pg_Message_Repository(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cfg := &config.Config{DatabaseURL: dsn, DBMaxConns: 4, DBMinConns: 0, StoreTimeout: 5 * time.Second}
	pool, err := db.NewPool(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, zap.NewNop()))

	runMessageRepositoryContract(t, func(t *testing.T) MessageRepository {
		_, err := pool.Exec(ctx, `TRUNCATE messages`)
		require.NoError(t, err)
		return NewPgMessageRepository(pool)
	})
}

// Test_Mongo_Message_Repository usa una base descartable por caso dentro de TEST_MONGO_URI.
func Test_Mongo_Message_Repository(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := db.NewMongoClient(ctx, &config.Config{MongoURI: uri, StoreTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runMessageRepositoryContract(t, func(t *testing.T) MessageRepository {
		database := client.Database(fmt.Sprintf("dm_relay_test_%s", uuid.NewString()[:8]))
		t.Cleanup(func() { _ = database.Drop(context.Background()) })
		repo := NewMongoMessageRepository(database)
		require.NoError(t, repo.EnsureIndexes(ctx))
		return repo
	})
}

func runMessageRepositoryContract(t *testing.T, newRepo func(t *testing.T) MessageRepository) {
	ctx := context.Background()

	t.Run("create assigns id and timestamps", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)

		msg, err := repo.Create(ctx, domain.Message{SenderID: 1, RecipientID: 2, Content: "hi", IsRead: true})
		req.NoError(err)
		req.NotEmpty(msg.ID)
		req.False(msg.IsRead)
		req.False(msg.CreatedAt.IsZero())
		req.Equal(msg.CreatedAt, msg.UpdatedAt)

		got, err := repo.GetByID(ctx, msg.ID)
		req.NoError(err)
		req.Equal(msg.ID, got.ID)
		req.Equal("hi", got.Content)
	})

	t.Run("conversation is symmetric and ordered", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)

		var ids []string
		for i, pair := range [][2]int64{{1, 2}, {2, 1}, {1, 3}, {1, 2}, {2, 1}} {
			msg, err := repo.Create(ctx, domain.Message{SenderID: pair[0], RecipientID: pair[1], Content: "m" + string(rune('a'+i))})
			req.NoError(err)
			if pair != [2]int64{1, 3} {
				ids = append(ids, msg.ID)
			}
		}

		ab, err := repo.ListConversation(ctx, 1, 2)
		req.NoError(err)
		ba, err := repo.ListConversation(ctx, 2, 1)
		req.NoError(err)

		idsOf := func(ms []domain.Message) []string {
			return lo.Map(ms, func(m domain.Message, _ int) string { return m.ID })
		}
		req.Equal(ids, idsOf(ab))
		req.Equal(idsOf(ab), idsOf(ba))
		for i := 1; i < len(ab); i++ {
			req.False(ab[i].CreatedAt.Before(ab[i-1].CreatedAt))
		}
	})

	t.Run("empty conversation is not nil", func(t *testing.T) {
		repo := newRepo(t)
		out, err := repo.ListConversation(ctx, 7, 8)
		require.NoError(t, err)
		require.NotNil(t, out)
		require.Empty(t, out)
	})

	t.Run("find latest matches exact triple", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)

		_, err := repo.FindLatest(ctx, 1, 2, "hi")
		req.ErrorIs(err, ErrMessageNotFound)

		_, err = repo.Create(ctx, domain.Message{SenderID: 1, RecipientID: 2, Content: "hi"})
		req.NoError(err)
		second, err := repo.Create(ctx, domain.Message{SenderID: 1, RecipientID: 2, Content: "hi"})
		req.NoError(err)

		latest, err := repo.FindLatest(ctx, 1, 2, "hi")
		req.NoError(err)
		req.Equal(second.ID, latest.ID)

		_, err = repo.FindLatest(ctx, 2, 1, "hi")
		req.ErrorIs(err, ErrMessageNotFound)
	})

	t.Run("mark read and update refresh updatedAt", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)

		msg, err := repo.Create(ctx, domain.Message{SenderID: 1, RecipientID: 2, Content: "hi"})
		req.NoError(err)

		later := msg.CreatedAt.Add(time.Second)
		read, err := repo.MarkRead(ctx, msg.ID, later)
		req.NoError(err)
		req.True(read.IsRead)
		req.True(read.UpdatedAt.Equal(later))
		req.True(read.CreatedAt.Equal(msg.CreatedAt))

		edited, err := repo.UpdateContent(ctx, msg.ID, "hello", later.Add(time.Second))
		req.NoError(err)
		req.Equal("hello", edited.Content)
		req.True(edited.IsRead)
		req.Equal(int64(1), edited.SenderID)
		req.Equal(int64(2), edited.RecipientID)

		_, err = repo.MarkRead(ctx, "missing", later)
		req.ErrorIs(err, ErrMessageNotFound)
		_, err = repo.UpdateContent(ctx, "missing", "x", later)
		req.ErrorIs(err, ErrMessageNotFound)
	})

	t.Run("repeat mark read keeps state", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)

		msg, err := repo.Create(ctx, domain.Message{SenderID: 1, RecipientID: 2, Content: "hi"})
		req.NoError(err)

		first := msg.CreatedAt.Add(time.Second)
		read, err := repo.MarkRead(ctx, msg.ID, first)
		req.NoError(err)

		again, err := repo.MarkRead(ctx, msg.ID, first.Add(time.Minute))
		req.NoError(err)
		req.True(again.IsRead)
		req.True(again.UpdatedAt.Equal(read.UpdatedAt), "updatedAt moved from %v to %v", read.UpdatedAt, again.UpdatedAt)

		stored, err := repo.GetByID(ctx, msg.ID)
		req.NoError(err)
		req.True(stored.UpdatedAt.Equal(first))
	})

	t.Run("delete reports affected records", func(t *testing.T) {
		req := require.New(t)
		repo := newRepo(t)

		msg, err := repo.Create(ctx, domain.Message{SenderID: 1, RecipientID: 2, Content: "bye"})
		req.NoError(err)

		n, err := repo.Delete(ctx, msg.ID)
		req.NoError(err)
		req.Equal(int64(1), n)

		n, err = repo.Delete(ctx, msg.ID)
		req.NoError(err)
		req.Equal(int64(0), n)

		_, err = repo.GetByID(ctx, msg.ID)
		req.ErrorIs(err, ErrMessageNotFound)
		_, err = repo.FindLatest(ctx, 1, 2, "bye")
		req.ErrorIs(err, ErrMessageNotFound)

		out, err := repo.ListConversation(ctx, 1, 2)
		req.NoError(err)
		req.Empty(out)
	})
}
