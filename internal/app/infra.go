package app

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"member-identity/internal/config"
	"member-identity/internal/logger"
	"member-identity/internal/redis"
	"member-identity/internal/store"
)

type Infra struct {
	Mongo    *mongo.Client
	Database *mongo.Database
	Redis    *redis.Client
}

func setupInfra(ctx context.Context, cfg config.Config) (*Infra, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, err
	}

	db := client.Database(cfg.MongoDatabase)

	if err := store.NewMongoAccounts(db).EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	logger.Info("document store ready", map[string]any{
		"database": cfg.MongoDatabase,
	})

	redisClient, err := redis.New(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, err
	}

	logger.Info("redis ready", nil)

	return &Infra{
		Mongo:    client,
		Database: db,
		Redis:    redisClient,
	}, nil
}
