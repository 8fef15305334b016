package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sessiond/internal/domain/models"
	"sessiond/internal/services/session"
	"sessiond/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	issueTTL   = 48 * time.Hour
	refreshTTL = 24 * time.Hour
)

// memStore is an in-memory credential store backing both the auth and the
// session service, with the same CAS semantics as the real backends.
type memStore struct {
	mu     sync.Mutex
	users  map[string]*models.User
	tokens map[string]models.Token
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[string]*models.User),
		tokens: make(map[string]models.Token),
	}
}

func (m *memStore) SaveUser(_ context.Context, username, email string, passHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return storage.ErrUserAlreadyExists
	}
	m.users[username] = &models.User{
		Username:  username,
		Email:     email,
		PassHash:  passHash,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *memStore) User(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.users[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	user := *stored
	user.Token = nil
	if stored.TokenSecret != "" {
		if token, ok := m.tokens[stored.TokenSecret]; ok {
			user.Token = &token
		}
	}
	return &user, nil
}

func (m *memStore) SetUserToken(_ context.Context, username, oldSecret, newSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return storage.ErrUserNotFound
	}
	if user.TokenSecret != oldSecret {
		return storage.ErrTokenConflict
	}
	user.TokenSecret = newSecret
	return nil
}

func (m *memStore) SaveToken(_ context.Context, token models.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.Secret] = token
	return nil
}

func (m *memStore) TokenBySecret(_ context.Context, secret string) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[secret]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return &token, nil
}

func (m *memStore) ExtendTokenExpiry(_ context.Context, secret string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[secret]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if expiry.After(token.Expiry) {
		token.Expiry = expiry
		m.tokens[secret] = token
	}
	return nil
}

func (m *memStore) DeleteToken(_ context.Context, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, secret)
	return nil
}

func (m *memStore) forceExpire(secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.tokens[secret]
	token.Expiry = time.Now().UTC().Add(-time.Hour)
	m.tokens[secret] = token
}

// flakyStore wraps memStore with injectable failures.
type flakyStore struct {
	*memStore
	userErr     error
	saveUserErr error
}

func (f *flakyStore) User(ctx context.Context, username string) (*models.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.memStore.User(ctx, username)
}

func (f *flakyStore) SaveUser(ctx context.Context, username, email string, passHash []byte) error {
	if f.saveUserErr != nil {
		return f.saveUserErr
	}
	return f.memStore.SaveUser(ctx, username, email, passHash)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAuthService(store *memStore) (*Auth, *session.Service) {
	sessions := session.New(discardLogger(), store, store, issueTTL, refreshTTL)
	return New(discardLogger(), store, store, sessions), sessions
}

func randomPassword() string {
	return gofakeit.Password(true, true, true, true, false, 12)
}

func TestSignupThenLogin(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, _ := newAuthService(store)

	username := gofakeit.Username()
	password := randomPassword()
	email := gofakeit.Email()

	before := time.Now().UTC()
	created, err := svc.Signup(ctx, username, password, email)
	require.NoError(t, err)
	require.NotNil(t, created.Token)

	assert.Equal(t, username, created.Username)
	assert.Equal(t, email, created.Email)
	assert.NotEmpty(t, created.PassHash)
	assert.WithinDuration(t, before.Add(issueTTL), created.Token.Expiry, 2*time.Second)

	loggedIn, err := svc.Login(ctx, username, password)
	require.NoError(t, err)
	require.NotNil(t, loggedIn.Token)

	// A still-live token keeps its secret; only the expiry may move.
	assert.Equal(t, created.Token.Secret, loggedIn.Token.Secret)
	assert.False(t, loggedIn.Token.Expiry.Before(created.Token.Expiry))
	assert.True(t, loggedIn.Token.Expiry.After(time.Now().UTC().Add(refreshTTL-time.Minute)),
		"login must return a token valid for at least the refresh TTL")
}

func TestLogin_WrongPassword(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, _ := newAuthService(store)

	username := gofakeit.Username()
	_, err := svc.Signup(ctx, username, randomPassword(), gofakeit.Email())
	require.NoError(t, err)

	_, err = svc.Login(ctx, username, "definitely-wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_UnknownUserIndistinguishable(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, _ := newAuthService(store)

	username := gofakeit.Username()
	_, err := svc.Signup(ctx, username, randomPassword(), gofakeit.Email())
	require.NoError(t, err)

	_, wrongPassErr := svc.Login(ctx, username, "definitely-wrong")
	_, noUserErr := svc.Login(ctx, "no-such-user", "whatever")

	// Both failure modes must surface as the same error kind.
	require.ErrorIs(t, wrongPassErr, ErrInvalidCredentials)
	require.ErrorIs(t, noUserErr, ErrInvalidCredentials)
}

func TestLogin_ExpiredTokenRotates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, sessions := newAuthService(store)

	username := gofakeit.Username()
	password := randomPassword()

	created, err := svc.Signup(ctx, username, password, gofakeit.Email())
	require.NoError(t, err)
	oldSecret := created.Token.Secret

	store.forceExpire(oldSecret)

	loggedIn, err := svc.Login(ctx, username, password)
	require.NoError(t, err)
	require.NotNil(t, loggedIn.Token)

	assert.NotEqual(t, oldSecret, loggedIn.Token.Secret)
	assert.WithinDuration(t, time.Now().UTC().Add(issueTTL), loggedIn.Token.Expiry, 2*time.Second)

	// The superseded secret no longer resolves.
	status, err := sessions.Check(ctx, oldSecret)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInvalid, status)
}

func TestSignup_DuplicateUsername(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, _ := newAuthService(store)

	username := gofakeit.Username()
	_, err := svc.Signup(ctx, username, randomPassword(), gofakeit.Email())
	require.NoError(t, err)

	_, err = svc.Signup(ctx, username, randomPassword(), gofakeit.Email())
	require.ErrorIs(t, err, ErrUsernameTaken)
}

func TestLogin_DanglingTokenLinkHeals(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, sessions := newAuthService(store)

	username := gofakeit.Username()
	password := randomPassword()

	created, err := svc.Signup(ctx, username, password, gofakeit.Email())
	require.NoError(t, err)
	oldSecret := created.Token.Secret

	// Drop the token record but leave the user's reference pointing at it,
	// as a crash between revoke and reissue would.
	store.mu.Lock()
	delete(store.tokens, oldSecret)
	require.Equal(t, oldSecret, store.users[username].TokenSecret)
	store.mu.Unlock()

	loggedIn, err := svc.Login(ctx, username, password)
	require.NoError(t, err)
	require.NotNil(t, loggedIn.Token, "successful login must attach a live token")

	assert.NotEqual(t, oldSecret, loggedIn.Token.Secret)
	assert.WithinDuration(t, time.Now().UTC().Add(issueTTL), loggedIn.Token.Expiry, 2*time.Second)

	status, err := sessions.Check(ctx, loggedIn.Token.Secret)
	require.NoError(t, err)
	assert.Equal(t, session.StatusValid, status)
}

func TestLogin_StoreFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		memStore: newMemStore(),
		userErr:  errors.New("connection refused"),
	}
	sessions := session.New(discardLogger(), store.memStore, store.memStore, issueTTL, refreshTTL)
	svc := New(discardLogger(), store, store, sessions)

	_, err := svc.Login(ctx, gofakeit.Username(), randomPassword())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotErrorIs(t, err, ErrInvalidCredentials,
		"a store outage must not look like a credential failure")
}

func TestSignup_StoreFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		memStore:    newMemStore(),
		saveUserErr: errors.New("disk I/O error"),
	}
	sessions := session.New(discardLogger(), store.memStore, store.memStore, issueTTL, refreshTTL)
	svc := New(discardLogger(), store, store, sessions)

	_, err := svc.Signup(ctx, gofakeit.Username(), randomPassword(), gofakeit.Email())
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestLogin_ConcurrentRotationLastWriterWins(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, _ := newAuthService(store)

	username := gofakeit.Username()
	password := randomPassword()

	created, err := svc.Signup(ctx, username, password, gofakeit.Email())
	require.NoError(t, err)
	store.forceExpire(created.Token.Secret)

	const logins = 8
	errs := make([]error, logins)
	var wg sync.WaitGroup
	wg.Add(logins)
	for i := 0; i < logins; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Login(ctx, username, password)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	// Exactly one rotation won: a single token record remains, and the
	// user's link points at it.
	store.mu.Lock()
	require.Len(t, store.tokens, 1)
	store.mu.Unlock()

	final, err := svc.Login(ctx, username, password)
	require.NoError(t, err)
	require.NotNil(t, final.Token)

	status, err := session.New(discardLogger(), store, store, issueTTL, refreshTTL).
		Check(ctx, final.Token.Secret)
	require.NoError(t, err)
	assert.Equal(t, session.StatusValid, status)
}
