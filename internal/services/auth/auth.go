// Package auth orchestrates signup and login: it verifies credentials and
// delegates token refresh and rotation to the session service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sessiond/internal/domain/models"
	"sessiond/internal/lib/sl"
	"sessiond/internal/services/session"
	"sessiond/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials deliberately merges "unknown username" and
	// "wrong password" so callers cannot tell which stage failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
	// ErrStoreUnavailable marks store-connectivity failures: fatal for the
	// current request, never for the process.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// rotationAttempts bounds the reload-and-retry loop after a lost rotation
// compare-and-swap.
const rotationAttempts = 3

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		username string,
		email string,
		passHash []byte,
	) error
}

type UserProvider interface {
	// User returns the user with its current token attached (nil when the
	// user has no token linked).
	User(ctx context.Context, username string) (*models.User, error)
}

// Sessions is the slice of the session service the auth flow needs.
type Sessions interface {
	Issue(ctx context.Context, username, oldSecret string) (*models.Token, error)
	Check(ctx context.Context, secret string) (session.Status, error)
	Revoke(ctx context.Context, secret string) error
}

// Auth is the authentication service.
type Auth struct {
	logger       *slog.Logger
	userSaver    UserSaver
	userProvider UserProvider
	sessions     Sessions
}

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	sessions Sessions,
) *Auth {
	return &Auth{
		logger:       logger,
		userSaver:    userSaver,
		userProvider: userProvider,
		sessions:     sessions,
	}
}

// Login authenticates the user and returns the user record with a live token
// attached. A still-live token is refreshed in place; an expired or missing
// one is revoked and replaced with a freshly minted secret. On return the
// attached token is valid for at least the refresh TTL.
func (a *Auth) Login(
	ctx context.Context,
	username string,
	password string,
) (*models.User, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op), slog.String("username", username))
	log.Info("login request")

	user, err := a.userProvider.User(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Warn("invalid password", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	// Losing the rotation compare-and-swap means a concurrent login
	// repointed the link; reload and re-evaluate against the winner.
	for attempt := 0; ; attempt++ {
		err = a.ensureLiveToken(ctx, user)
		if err == nil || !errors.Is(err, storage.ErrTokenConflict) || attempt == rotationAttempts-1 {
			break
		}

		user, err = a.userProvider.User(ctx, username)
		if err != nil {
			log.Error("failed to re-fetch user", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
		}
	}
	if err != nil && !errors.Is(err, storage.ErrTokenConflict) {
		log.Error("failed to refresh session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}
	// A conflict that survives the retries means another login owns the
	// link; fall through and return the winner's token.

	// Re-fetch so the caller sees the token reference and expiry that
	// actually landed.
	user, err = a.userProvider.User(ctx, username)
	if err != nil {
		log.Error("failed to re-fetch user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}
	if user.Token == nil {
		// Login never succeeds without a live token attached.
		log.Error("no live token after rotation")
		return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}

	log.Info("user logged in")

	return user, nil
}

// ensureLiveToken leaves the user with a linked, unexpired token: live tokens
// are refreshed by the liveness check itself, expired or missing ones are
// revoked and reissued. The rotation compare-and-swap runs against
// user.TokenSecret, the reference exactly as stored, so a dangling reference
// (token record already gone, e.g. a crash between revoke and reissue) is
// repointed the same way an expired one is. A lost rotation race surfaces as
// storage.ErrTokenConflict for the caller to retry.
func (a *Auth) ensureLiveToken(ctx context.Context, user *models.User) error {
	if user.Token != nil {
		status, err := a.sessions.Check(ctx, user.Token.Secret)
		if err != nil {
			return err
		}
		if status == session.StatusValid {
			return nil
		}
		if status == session.StatusExpired {
			if err := a.sessions.Revoke(ctx, user.Token.Secret); err != nil {
				return err
			}
		}
	}

	_, err := a.sessions.Issue(ctx, user.Username, user.TokenSecret)
	return err
}

// Signup registers a new user and mints their initial session token.
func (a *Auth) Signup(
	ctx context.Context,
	username string,
	password string,
	email string,
) (*models.User, error) {
	const op = "auth.Signup"
	log := a.logger.With(slog.String("op", op), slog.String("username", username))
	log.Info("signup request", slog.String("email", email))

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.userSaver.SaveUser(ctx, username, email, passHash); err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			log.Warn("username already taken", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrUsernameTaken)
		}
		log.Error("failed to save user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}

	if _, err := a.sessions.Issue(ctx, username, ""); err != nil {
		log.Error("failed to issue initial token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}

	user, err := a.userProvider.User(ctx, username)
	if err != nil {
		log.Error("failed to fetch created user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}

	log.Info("user registered")

	return user, nil
}
