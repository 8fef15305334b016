package app

import (
	"context"
	"log/slog"
	"time"

	grpcapp "sessiond/internal/app/grpc"
	"sessiond/internal/config"
	"sessiond/internal/services/auth"
	"sessiond/internal/services/session"
	"sessiond/internal/storage/mongodb"
	"sessiond/internal/storage/sqlite"
)

type App struct {
	GRPCSrv *grpcapp.App
	close   func(context.Context) error
}

// credentialStore is the single repository surface both services consume.
type credentialStore interface {
	auth.UserSaver
	auth.UserProvider
	session.TokenStore
	session.UserLinker
}

func New(logger *slog.Logger, cfg *config.Config) *App {
	store, closeFn := newStorage(logger, cfg)

	sessionService := session.New(logger, store, store, cfg.IssueTTL, cfg.RefreshTTL)
	authService := auth.New(logger, store, store, sessionService)
	grpcApp := grpcapp.New(logger, authService, sessionService, cfg.Grpc.Port)

	return &App{
		GRPCSrv: grpcApp,
		close:   closeFn,
	}
}

// newStorage picks the backend: MongoDB when a URI is configured, SQLite
// otherwise.
func newStorage(logger *slog.Logger, cfg *config.Config) (credentialStore, func(context.Context) error) {
	if cfg.Mongo.URI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			panic(err)
		}
		logger.Info("using mongodb storage", slog.String("database", cfg.Mongo.Database))
		return store, store.Close
	}

	store, err := sqlite.New(cfg.StoragePath)
	if err != nil {
		panic(err)
	}
	logger.Info("using sqlite storage", slog.String("path", cfg.StoragePath))
	return store, func(context.Context) error { return store.Close() }
}

// Stop shuts down the gRPC server and closes the storage backend.
func (a *App) Stop(ctx context.Context) {
	a.GRPCSrv.Stop()
	_ = a.close(ctx)
}
