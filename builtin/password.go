package builtin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordChecker verifies end-user credentials for the internal
// authentication module.
type PasswordChecker interface {
	CheckPassword(ctx context.Context, username, password string) (bool, error)
}

// PasswordCheckerFunc adapts a function to PasswordChecker.
type PasswordCheckerFunc func(ctx context.Context, username, password string) (bool, error)

func (f PasswordCheckerFunc) CheckPassword(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// BcryptUsers is a PasswordChecker over a fixed set of bcrypt hashes.
type BcryptUsers map[string][]byte

// CheckPassword reports whether password matches the stored hash. Unknown
// users are rejected without error.
func (u BcryptUsers) CheckPassword(ctx context.Context, username, password string) (bool, error) {
	hash, ok := u[username]
	if !ok {
		return false, nil
	}
	switch err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err {
	case nil:
		return true, nil
	case bcrypt.ErrMismatchedHashAndPassword:
		return false, nil
	default:
		return false, fmt.Errorf("builtin: verify password for %q: %w", username, err)
	}
}

// LoadBcryptUsers reads "username:bcrypt-hash" lines, htpasswd style. Blank
// lines and lines starting with # are skipped.
func LoadBcryptUsers(r io.Reader) (BcryptUsers, error) {
	users := BcryptUsers{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, hash, ok := strings.Cut(text, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("builtin: users line %d: want username:hash", line)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("builtin: users line %d: %w", line, err)
		}
		users[name] = []byte(hash)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("builtin: read users: %w", err)
	}
	return users, nil
}
