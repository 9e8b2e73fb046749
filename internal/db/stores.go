package db

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"dm-relay/internal/config"
)

// NewMongoClient abre un cliente MongoDB y verifica conectividad.
func NewMongoClient(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetConnectTimeout(5 * time.Second).
		SetMaxPoolSize(10)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// OpenBadger abre (o crea) la base embebida en cfg.BadgerPath.
func OpenBadger(cfg *config.Config) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.BadgerPath).WithLoggingLevel(badger.ERROR)
	return badger.Open(opts)
}
