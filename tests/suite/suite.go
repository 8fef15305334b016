package suite

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/storage/mongodb"

	sessionv1 "sessiond/internal/proto"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const grpcHost = "localhost"

type Suite struct {
	*testing.T
	Cfg        *config.Config
	AuthClient sessionv1.AuthClient
	Storage    *mongodb.Storage
}

func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()
	t.Parallel()

	cfg := config.LoadConfig("../config/test.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	// Direct storage handle, used to manipulate token expiry in tests.
	storage, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		t.Fatalf("failed to connect to mongodb: %v", err)
	}

	t.Cleanup(func() {
		t.Helper()
		cancel()
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		_ = storage.Close(cleanupCtx)
	})

	cc, err := grpc.NewClient(
		grpcAddress(cfg),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial grpc: %v", err)
	}

	return ctx, &Suite{
		T:          t,
		Cfg:        cfg,
		AuthClient: sessionv1.NewAuthClient(cc),
		Storage:    storage,
	}
}

func grpcAddress(cfg *config.Config) string {
	return net.JoinHostPort(grpcHost, strconv.Itoa(cfg.Grpc.Port))
}
