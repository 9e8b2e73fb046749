package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"dm-relay/internal/config"
	"dm-relay/internal/db"
)

// Store es el backend de mensajes elegido por STORE_DRIVER.
type Store struct {
	Messages MessageRepository
	// Ping es nil cuando el backend es embebido o en memoria.
	Ping  func(ctx context.Context) error
	Close func()
}

// OpenStore abre el backend configurado y aplica migraciones o índices.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return Store{}, fmt.Errorf("postgres pool: %w", err)
		}
		if err := db.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return Store{}, fmt.Errorf("postgres migrate: %w", err)
		}
		return Store{
			Messages: NewPgMessageRepository(pool),
			Ping:     func(ctx context.Context) error { return db.Ping(ctx, pool) },
			Close:    pool.Close,
		}, nil

	case config.StoreDriverMongo:
		client, err := db.NewMongoClient(ctx, cfg)
		if err != nil {
			return Store{}, fmt.Errorf("mongo connect: %w", err)
		}
		repo := NewMongoMessageRepository(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return Store{}, fmt.Errorf("mongo indexes: %w", err)
		}
		return Store{
			Messages: repo,
			Ping:     func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) },
			Close:    func() { _ = client.Disconnect(context.Background()) },
		}, nil

	case config.StoreDriverBadger:
		bdb, err := db.OpenBadger(cfg)
		if err != nil {
			return Store{}, fmt.Errorf("badger open: %w", err)
		}
		return Store{
			Messages: NewBadgerMessageRepository(bdb),
			Close: func() {
				if err := bdb.Close(); err != nil {
					logger.Warn("badger close", zap.Error(err))
				}
			},
		}, nil

	case config.StoreDriverMemory:
		logger.Warn("using in-memory message store; data is lost on restart")
		return Store{Messages: NewMemoryMessageRepository(), Close: func() {}}, nil
	}
	return Store{}, fmt.Errorf("%w: unknown STORE_DRIVER %q", config.ErrInvalidConfig, cfg.StoreDriver)
}
