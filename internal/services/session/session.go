// Package session owns the session-token lifecycle: minting tokens, checking
// liveness, refreshing live tokens, and rotating expired ones.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sessiond/internal/domain/models"
	"sessiond/internal/lib/sl"
	"sessiond/internal/storage"

	"github.com/google/uuid"
)

// Status is the outcome of a token liveness check.
type Status int

const (
	StatusValid Status = iota
	StatusExpired
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

var (
	// ErrNoSessionToken means the caller presented no credential at all.
	ErrNoSessionToken = errors.New("no session token presented")
	// ErrInvalidSession merges "unknown secret" and "expired" for external
	// callers: both mean "log in again".
	ErrInvalidSession = errors.New("invalid session")
)

type TokenStore interface {
	SaveToken(ctx context.Context, token models.Token) error
	TokenBySecret(ctx context.Context, secret string) (*models.Token, error)
	// ExtendTokenExpiry advances the token's expiry, never shortening it:
	// the write applies only when expiry is later than the stored value.
	ExtendTokenExpiry(ctx context.Context, secret string, expiry time.Time) error
	DeleteToken(ctx context.Context, secret string) error
}

type UserLinker interface {
	// SetUserToken repoints the user's token reference from oldSecret to
	// newSecret, conditionally: if the stored reference is no longer
	// oldSecret, the update fails with storage.ErrTokenConflict.
	SetUserToken(ctx context.Context, username, oldSecret, newSecret string) error
}

// Service issues, validates, refreshes, and rotates session tokens.
type Service struct {
	logger     *slog.Logger
	tokens     TokenStore
	users      UserLinker
	issueTTL   time.Duration
	refreshTTL time.Duration
}

func New(
	logger *slog.Logger,
	tokens TokenStore,
	users UserLinker,
	issueTTL time.Duration,
	refreshTTL time.Duration,
) *Service {
	return &Service{
		logger:     logger,
		tokens:     tokens,
		users:      users,
		issueTTL:   issueTTL,
		refreshTTL: refreshTTL,
	}
}

// Issue mints a fresh token for the user and repoints the user's token
// reference from oldSecret to the new secret. oldSecret is "" when the user
// has no token yet (signup). The link update is a compare-and-swap: a
// concurrent rotation surfaces as storage.ErrTokenConflict.
func (s *Service) Issue(ctx context.Context, username, oldSecret string) (*models.Token, error) {
	const op = "session.Issue"
	log := s.logger.With(slog.String("op", op), slog.String("username", username))

	now := time.Now().UTC()
	token := models.Token{
		Secret:    NewSecret(),
		Expiry:    now.Add(s.issueTTL),
		Owner:     username,
		CreatedAt: now,
	}

	if err := s.tokens.SaveToken(ctx, token); err != nil {
		log.Error("failed to save token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.users.SetUserToken(ctx, username, oldSecret, token.Secret); err != nil {
		// Whether we lost the rotation race or the link write failed outright,
		// our orphaned record must not stay resolvable as a live secret.
		if delErr := s.tokens.DeleteToken(ctx, token.Secret); delErr != nil {
			log.Warn("failed to delete orphaned token", sl.Err(delErr))
		}
		if !errors.Is(err, storage.ErrTokenConflict) {
			log.Error("failed to link token to user", sl.Err(err))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("issued new session token", slog.Time("expiry", token.Expiry))

	return &token, nil
}

// Check reports the liveness of a token. A live token gets its expiry
// advanced to now + refreshTTL before returning; the refresh only ever
// extends, so concurrent checks within the same instant cannot shorten the
// token's lifetime. StatusExpired is an internal signal for the login
// rotation path and must not leak to untrusted callers; see Authorize.
func (s *Service) Check(ctx context.Context, secret string) (Status, error) {
	const op = "session.Check"
	log := s.logger.With(slog.String("op", op))

	token, err := s.tokens.TokenBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("session token not found")
			return StatusInvalid, nil
		}
		log.Error("failed to look up token", sl.Err(err))
		return StatusInvalid, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()
	if token.Expired(now) {
		log.Info("session token has expired", slog.Time("expiry", token.Expiry))
		return StatusExpired, nil
	}

	newExpiry := now.Add(s.refreshTTL)
	if newExpiry.After(token.Expiry) {
		if err := s.tokens.ExtendTokenExpiry(ctx, secret, newExpiry); err != nil {
			log.Error("failed to refresh token expiry", sl.Err(err))
			return StatusInvalid, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("session refreshed", slog.Time("expiry", newExpiry))
	}

	return StatusValid, nil
}

// Authorize is the request-authorization surface for callers outside the
// login flow. It collapses expired and unknown secrets into the single
// ErrInvalidSession outcome and keeps "no credential presented" distinct.
func (s *Service) Authorize(ctx context.Context, secret string) error {
	const op = "session.Authorize"

	if secret == "" {
		return fmt.Errorf("%s: %w", op, ErrNoSessionToken)
	}

	status, err := s.Check(ctx, secret)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if status != StatusValid {
		return fmt.Errorf("%s: %w", op, ErrInvalidSession)
	}

	return nil
}

// Revoke deletes a token record so its secret no longer resolves.
func (s *Service) Revoke(ctx context.Context, secret string) error {
	const op = "session.Revoke"

	if err := s.tokens.DeleteToken(ctx, secret); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// NewSecret returns a fresh opaque session secret: a random UUID rendered as
// 32 lowercase hex characters.
func NewSecret() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
