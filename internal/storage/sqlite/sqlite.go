package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sessiond/internal/domain/models"
	"sessiond/internal/storage"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is a fixed-width RFC 3339 encoding. Fixed width keeps stored
// UTC timestamps lexicographically ordered, which the conditional expiry
// update relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"
	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func (s *Storage) SaveUser(ctx context.Context, username, email string, passHash []byte) error {
	const op = "storage.sqlite.SaveUser"

	stmt, err := s.db.Prepare("INSERT INTO users (username, email, pass_hash, token_secret, created_at) VALUES (?, ?, ?, '', ?)")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, username, email, passHash, encodeTime(time.Now()))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) User(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.sqlite.User"

	row := s.db.QueryRowContext(ctx,
		"SELECT username, email, pass_hash, token_secret, created_at FROM users WHERE username = ?", username)

	var user models.User
	var tokenSecret, createdAt string
	err := row.Scan(&user.Username, &user.Email, &user.PassHash, &tokenSecret, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if user.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user.TokenSecret = tokenSecret
	if tokenSecret != "" {
		token, err := s.TokenBySecret(ctx, tokenSecret)
		if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		user.Token = token
	}

	return &user, nil
}

// SetUserToken repoints the user's token reference with a compare-and-swap
// on the previous secret; a mismatch reports storage.ErrTokenConflict.
func (s *Storage) SetUserToken(ctx context.Context, username, oldSecret, newSecret string) error {
	const op = "storage.sqlite.SetUserToken"

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET token_secret = ? WHERE username = ? AND token_secret = ?",
		newSecret, username, oldSecret)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		row := s.db.QueryRowContext(ctx, "SELECT 1 FROM users WHERE username = ?", username)
		var one int
		if err := row.Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrTokenConflict)
	}

	return nil
}

func (s *Storage) SaveToken(ctx context.Context, token models.Token) error {
	const op = "storage.sqlite.SaveToken"

	stmt, err := s.db.Prepare("INSERT INTO tokens (secret, expiry, owner, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, token.Secret, encodeTime(token.Expiry), token.Owner, encodeTime(token.CreatedAt))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) TokenBySecret(ctx context.Context, secret string) (*models.Token, error) {
	const op = "storage.sqlite.TokenBySecret"

	row := s.db.QueryRowContext(ctx,
		"SELECT secret, expiry, owner, created_at FROM tokens WHERE secret = ?", secret)

	var token models.Token
	var expiry, createdAt string
	err := row.Scan(&token.Secret, &expiry, &token.Owner, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.Expiry, err = decodeTime(expiry); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if token.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &token, nil
}

// ExtendTokenExpiry advances a token's expiry; the conditional WHERE keeps
// refreshes extend-only.
func (s *Storage) ExtendTokenExpiry(ctx context.Context, secret string, expiry time.Time) error {
	const op = "storage.sqlite.ExtendTokenExpiry"

	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET expiry = ? WHERE secret = ? AND expiry < ?",
		encodeTime(expiry), secret, encodeTime(expiry))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		row := s.db.QueryRowContext(ctx, "SELECT 1 FROM tokens WHERE secret = ?", secret)
		var one int
		if err := row.Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return nil
}

// DeleteToken removes a token record. A missing secret is not an error.
func (s *Storage) DeleteToken(ctx context.Context, secret string) error {
	const op = "storage.sqlite.DeleteToken"

	_, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE secret = ?", secret)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ForceExpireToken rewinds a token's expiry into the past (for dev/test).
func (s *Storage) ForceExpireToken(ctx context.Context, secret string) error {
	const op = "storage.sqlite.ForceExpireToken"

	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET expiry = ? WHERE secret = ?",
		encodeTime(time.Now().Add(-time.Hour)), secret)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return nil
}
