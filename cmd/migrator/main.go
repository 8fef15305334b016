package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/services/session"
	"sessiond/internal/storage/mongodb"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	var configPath string
	var migrationsPath string
	var seedUser bool
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&migrationsPath, "migrations", "migrations", "path to sqlite migration files")
	flag.BoolVar(&seedUser, "seed", false, "seed a dev user into the database")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := config.LoadConfig(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Mongo.URI != "" {
		migrateMongo(ctx, cfg, seedUser)
		return
	}

	migrateSQLite(cfg, migrationsPath)
}

// migrateMongo connects to MongoDB, which creates the collections and
// indexes, and optionally seeds a dev user.
func migrateMongo(ctx context.Context, cfg *config.Config, seedUser bool) {
	log.Println("Connecting to MongoDB...")

	storage, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatalf("failed to connect to mongodb: %v", err)
	}
	defer storage.Close(ctx)

	log.Println("MongoDB connected, indexes created successfully")

	if seedUser {
		seedDevUser(ctx, cfg, storage)
	}

	fmt.Println("Database initialization completed successfully")
}

func migrateSQLite(cfg *config.Config, migrationsPath string) {
	if cfg.StoragePath == "" {
		log.Fatal("storage_path is not set in the config")
	}

	m, err := migrate.New(
		"file://"+migrationsPath,
		"sqlite3://"+cfg.StoragePath,
	)
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("No migrations to apply")
			return
		}
		log.Fatalf("failed to apply migrations: %v", err)
	}

	fmt.Println("Migrations applied successfully")
}

// seedDevUser inserts a dev account with a freshly minted token (for dev/test).
func seedDevUser(ctx context.Context, cfg *config.Config, storage *mongodb.Storage) {
	const username = "dev"

	passHash, err := bcrypt.GenerateFromPassword([]byte("devpassword"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash dev password: %v", err)
	}

	if err := storage.SaveUser(ctx, username, "dev@localhost", passHash); err != nil {
		log.Printf("dev user not seeded: %v", err)
		return
	}

	sessions := session.New(discardLogger(), storage, storage, cfg.IssueTTL, cfg.RefreshTTL)
	token, err := sessions.Issue(ctx, username, "")
	if err != nil {
		log.Fatalf("failed to issue dev token: %v", err)
	}

	log.Printf("Dev user seeded (username=%s, token=%s)", username, token.Secret)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
