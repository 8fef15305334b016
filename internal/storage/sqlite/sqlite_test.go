package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"sessiond/internal/domain/models"
	"sessiond/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE users (
    username     TEXT PRIMARY KEY,
    email        TEXT NOT NULL,
    pass_hash    BLOB NOT NULL,
    token_secret TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL
);
CREATE TABLE tokens (
    secret     TEXT PRIMARY KEY,
    expiry     TEXT NOT NULL,
    owner      TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX idx_tokens_owner ON tokens (owner);
`

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSaveUserAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	err := s.SaveUser(ctx, "alice", "a@x.com", []byte("hash"))
	require.NoError(t, err)

	user, err := s.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "a@x.com", user.Email)
	assert.Equal(t, []byte("hash"), user.PassHash)
	assert.Nil(t, user.Token)
	assert.False(t, user.CreatedAt.IsZero())
}

func TestSaveUser_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveUser(ctx, "alice", "a@x.com", []byte("hash")))

	err := s.SaveUser(ctx, "alice", "other@x.com", []byte("hash2"))
	require.ErrorIs(t, err, storage.ErrUserAlreadyExists)
}

func TestUser_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.User(ctx, "nobody")
	require.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	now := time.Now().UTC()
	token := models.Token{
		Secret:    "secret-1",
		Expiry:    now.Add(48 * time.Hour),
		Owner:     "alice",
		CreatedAt: now,
	}
	require.NoError(t, s.SaveToken(ctx, token))

	got, err := s.TokenBySecret(ctx, "secret-1")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", got.Secret)
	assert.Equal(t, "alice", got.Owner)
	assert.True(t, got.Expiry.Equal(token.Expiry), "expiry must round-trip exactly")
	assert.True(t, got.CreatedAt.Equal(token.CreatedAt))
}

func TestTokenBySecret_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.TokenBySecret(ctx, "no-such-secret")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestExtendTokenExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	now := time.Now().UTC()
	require.NoError(t, s.SaveToken(ctx, models.Token{
		Secret:    "secret-1",
		Expiry:    now.Add(time.Hour),
		Owner:     "alice",
		CreatedAt: now,
	}))

	later := now.Add(24 * time.Hour)
	require.NoError(t, s.ExtendTokenExpiry(ctx, "secret-1", later))

	got, err := s.TokenBySecret(ctx, "secret-1")
	require.NoError(t, err)
	assert.True(t, got.Expiry.Equal(later))
}

func TestExtendTokenExpiry_NeverShortens(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	now := time.Now().UTC()
	expiry := now.Add(48 * time.Hour)
	require.NoError(t, s.SaveToken(ctx, models.Token{
		Secret:    "secret-1",
		Expiry:    expiry,
		Owner:     "alice",
		CreatedAt: now,
	}))

	// An earlier target expiry leaves the stored value untouched.
	require.NoError(t, s.ExtendTokenExpiry(ctx, "secret-1", now.Add(24*time.Hour)))

	got, err := s.TokenBySecret(ctx, "secret-1")
	require.NoError(t, err)
	assert.True(t, got.Expiry.Equal(expiry))
}

func TestExtendTokenExpiry_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	err := s.ExtendTokenExpiry(ctx, "no-such-secret", time.Now().UTC().Add(time.Hour))
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestDeleteToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	now := time.Now().UTC()
	require.NoError(t, s.SaveToken(ctx, models.Token{
		Secret:    "secret-1",
		Expiry:    now.Add(time.Hour),
		Owner:     "alice",
		CreatedAt: now,
	}))

	require.NoError(t, s.DeleteToken(ctx, "secret-1"))

	_, err := s.TokenBySecret(ctx, "secret-1")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)

	// Deleting an absent secret is not an error.
	require.NoError(t, s.DeleteToken(ctx, "secret-1"))
}

func TestSetUserToken_CAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveUser(ctx, "alice", "a@x.com", []byte("hash")))

	// Initial link from the empty reference.
	require.NoError(t, s.SetUserToken(ctx, "alice", "", "s1"))

	// A stale expectation loses.
	err := s.SetUserToken(ctx, "alice", "", "s2")
	require.ErrorIs(t, err, storage.ErrTokenConflict)

	err = s.SetUserToken(ctx, "alice", "wrong", "s2")
	require.ErrorIs(t, err, storage.ErrTokenConflict)

	// The current reference wins.
	require.NoError(t, s.SetUserToken(ctx, "alice", "s1", "s2"))

	err = s.SetUserToken(ctx, "nobody", "", "s3")
	require.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestUser_WithToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveUser(ctx, "alice", "a@x.com", []byte("hash")))

	now := time.Now().UTC()
	token := models.Token{
		Secret:    "s1",
		Expiry:    now.Add(48 * time.Hour),
		Owner:     "alice",
		CreatedAt: now,
	}
	require.NoError(t, s.SaveToken(ctx, token))
	require.NoError(t, s.SetUserToken(ctx, "alice", "", "s1"))

	user, err := s.User(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, user.Token)
	assert.Equal(t, "s1", user.TokenSecret)
	assert.Equal(t, "s1", user.Token.Secret)
	assert.True(t, user.Token.Expiry.Equal(token.Expiry))
}

func TestUser_DanglingTokenReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveUser(ctx, "alice", "a@x.com", []byte("hash")))

	now := time.Now().UTC()
	require.NoError(t, s.SaveToken(ctx, models.Token{
		Secret:    "s1",
		Expiry:    now.Add(48 * time.Hour),
		Owner:     "alice",
		CreatedAt: now,
	}))
	require.NoError(t, s.SetUserToken(ctx, "alice", "", "s1"))
	require.NoError(t, s.DeleteToken(ctx, "s1"))

	// The stored reference survives the record's deletion; the resolved
	// token does not. Rotation needs the former as its CAS base.
	user, err := s.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "s1", user.TokenSecret)
	assert.Nil(t, user.Token)

	require.NoError(t, s.SetUserToken(ctx, "alice", "s1", "s2"))
	user, err = s.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "s2", user.TokenSecret)
}

func TestForceExpireToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	now := time.Now().UTC()
	require.NoError(t, s.SaveToken(ctx, models.Token{
		Secret:    "s1",
		Expiry:    now.Add(48 * time.Hour),
		Owner:     "alice",
		CreatedAt: now,
	}))

	require.NoError(t, s.ForceExpireToken(ctx, "s1"))

	got, err := s.TokenBySecret(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Expired(time.Now().UTC()))

	require.ErrorIs(t, s.ForceExpireToken(ctx, "missing"), storage.ErrTokenNotFound)
}
