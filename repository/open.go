package repository

import (
	"context"
	"fmt"

	"shortsDownloader/database"
)

type StoreOptions struct {
	Backend       string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
}

// Open connects the configured backend and prepares its schema. The returned
// func releases the connection.
func Open(ctx context.Context, opts StoreOptions) (Repository, func(), error) {
	switch opts.Backend {
	case "mongo":
		client, err := database.ConnectMongo(ctx, opts.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		repo := NewMongoRepo(client, opts.MongoDatabase)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = database.DisconnectMongo(client)
			return nil, nil, err
		}
		return repo, func() { _ = database.DisconnectMongo(client) }, nil
	case "postgres", "":
		db, err := database.ConnectPostgres(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return NewPostgresRepo(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
