package storage

import "errors"

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrTokenNotFound     = errors.New("token not found")
	// ErrTokenConflict is returned by SetUserToken when the user's token
	// reference no longer matches the expected previous secret, i.e. a
	// concurrent rotation won the race.
	ErrTokenConflict = errors.New("token reference changed concurrently")
)
