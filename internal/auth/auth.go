package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrBadFormat = errors.New("credentials must be username:password")

// Store looks up the secret for a username. Implementations must be safe
// for concurrent use; the relay treats them as read-only.
type Store interface {
	Lookup(username string) (secret string, ok bool)
}

// Table is an in-memory Store.
type Table map[string]string

// Lookup implements Store.
func (t Table) Lookup(username string) (string, bool) {
	s, ok := t[username]
	return s, ok
}

// Usernames returns the known usernames in unspecified order.
func (t Table) Usernames() []string {
	names := make([]string, 0, len(t))
	for u := range t {
		names = append(names, u)
	}
	return names
}

// ParseCredentials splits an AUTH payload on its first colon. The password
// may itself contain colons. Both halves are whitespace-trimmed.
func ParseCredentials(payload string) (username, password string, err error) {
	user, pass, ok := strings.Cut(payload, ":")
	if !ok {
		return "", "", ErrBadFormat
	}
	return strings.TrimSpace(user), strings.TrimSpace(pass), nil
}

// Verify reports whether password matches the secret stored for username.
func Verify(store Store, username, password string) bool {
	secret, ok := store.Lookup(username)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}
