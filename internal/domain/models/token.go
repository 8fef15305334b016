package models

import "time"

// Token is an opaque session token stored in the database. The secret doubles
// as the record key; Owner points back at the username the token belongs to.
type Token struct {
	Secret    string
	Expiry    time.Time
	Owner     string
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
// The comparison is inclusive: a token expires the moment now reaches Expiry.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.Expiry)
}
