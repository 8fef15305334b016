package models

import "time"

// User is an account record. Username is the immutable primary key. PassHash
// is never empty and never crosses the transport boundary. TokenSecret is the
// stored token reference exactly as the backend holds it; Token is the record
// it resolves to, nil when the reference is empty or dangling (the referenced
// record no longer exists). Rotation uses TokenSecret as its compare-and-swap
// base so a dangling reference can still be repointed.
type User struct {
	Username    string
	Email       string
	PassHash    []byte
	TokenSecret string
	Token       *Token
	CreatedAt   time.Time
}
