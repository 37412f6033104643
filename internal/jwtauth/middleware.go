package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const wwwAuthenticateHeader = "WWW-Authenticate"

type principalKey struct{}

// PrincipalFrom returns the principal stored by Middleware, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Middleware rejects requests without a valid bearer token, answering with
// an RFC 6750 challenge. A nil auth lets every request through.
func Middleware(auth Authenticator, realm string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		if auth == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				// No error code when the request carries no credentials.
				log.InfoContext(ctx, "auth.check.missing")
				w.Header().Add(wwwAuthenticateHeader, bearerChallenge(realm, nil))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			tok, ok := strings.CutPrefix(authHeader, "Bearer ")
			tok = strings.TrimSpace(tok)
			if !ok || tok == "" {
				log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
				w.Header().Add(wwwAuthenticateHeader, bearerChallenge(realm, [][2]string{
					{"error", "invalid_request"},
					{"error_description", "malformed bearer authorization header"},
				}))
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			p, err := auth.CheckAuthentication(ctx, tok)
			switch {
			case errors.Is(err, ErrInsufficientScope):
				log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				w.Header().Add(wwwAuthenticateHeader, bearerChallenge(realm, [][2]string{
					{"error", "insufficient_scope"},
					{"error_description", err.Error()},
				}))
				w.WriteHeader(http.StatusForbidden)
				return
			case errors.Is(err, ErrUnauthorized):
				log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				w.Header().Add(wwwAuthenticateHeader, bearerChallenge(realm, [][2]string{
					{"error", "invalid_token"},
					{"error_description", err.Error()},
				}))
				w.WriteHeader(http.StatusUnauthorized)
				return
			case err != nil:
				log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, p)))
		})
	}
}

// bearerChallenge formats a Bearer challenge with params in the given order.
// Realm is omitted if empty.
func bearerChallenge(realm string, params [][2]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 1+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	for _, kv := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, kv[0], esc.Replace(kv[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
