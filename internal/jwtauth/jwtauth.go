// Package jwtauth validates bearer access tokens presented to the admin API.
// Keys come from a JWKS endpoint, either configured directly or learned via
// OIDC discovery, and are refreshed in the background.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized wraps every reason a token is rejected outright. The
	// admin API answers it with 401.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
	// ErrInsufficientScope means the token is valid but lacks a required
	// scope. The admin API answers it with 403.
	ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")
)

// Config controls access token validation.
type Config struct {
	Issuer string
	// Audiences lists the accepted audiences; a token must name at least one.
	Audiences []string
	// RequiredScopes must all be present in the token's scope claim.
	RequiredScopes []string
	// AllowedAlgs defaults to RS256.
	AllowedAlgs []string
	// Leeway defaults to 60s.
	Leeway time.Duration
	// RequireATType enforces the RFC 9068 "at+jwt" typ header.
	RequireATType bool
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return errors.New("jwtauth: issuer is required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("jwtauth: at least one audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	return nil
}

// Principal is the caller identified by a validated token.
type Principal struct {
	Subject string
	// ClientID is the RFC 9068 client_id claim, when present.
	ClientID string
	Scopes   []string
	Expiry   time.Time
}

// HasScope reports whether the token granted scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// accessClaims is the RFC 9068 access token claim set.
type accessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Authenticator validates access tokens. Implementations MUST perform
// signature, issuer, audience and time validations.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Principal, error)
}

// Validator is the JWKS-backed Authenticator.
type Validator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewStatic builds a Validator for a known issuer and JWKS URI.
func NewStatic(ctx context.Context, cfg Config, jwksURI string) (*Validator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwtauth: jwks uri is required")
	}
	return newValidator(ctx, cfg, jwksURI)
}

// NewFromDiscovery reads the OIDC discovery document of cfg.Issuer to find
// its JWKS. The issuer advertised by the document wins over cfg.Issuer.
func NewFromDiscovery(ctx context.Context, cfg Config) (*Validator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("jwtauth: discover %s: %w", cfg.Issuer, err)
	}
	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("jwtauth: read discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("jwtauth: %s advertises no jwks_uri", cfg.Issuer)
	}
	if doc.Issuer != "" {
		cfg.Issuer = doc.Issuer
	}
	return newValidator(ctx, cfg, doc.JWKSURI)
}

func newValidator(ctx context.Context, cfg Config, jwksURI string) (*Validator, error) {
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwtauth: load jwks from %s: %w", jwksURI, err)
	}
	return &Validator{
		cfg:     cfg,
		keyfunc: jwks.Keyfunc,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.AllowedAlgs),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithLeeway(cfg.Leeway),
		),
	}, nil
}

func (v *Validator) CheckAuthentication(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: no token", ErrUnauthorized)
	}
	var claims accessClaims
	parsed, err := v.parser.ParseWithClaims(tok, &claims, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireATType && !isAccessTokenType(parsed.Header["typ"]) {
		return nil, fmt.Errorf("%w: typ is not at+jwt", ErrUnauthorized)
	}
	if !slices.ContainsFunc(claims.Audience, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
		return nil, fmt.Errorf("%w: audience %v not accepted", ErrUnauthorized, []string(claims.Audience))
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no sub claim", ErrUnauthorized)
	}

	p := &Principal{
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Scopes:   strings.Fields(claims.Scope),
	}
	if claims.ExpiresAt != nil {
		p.Expiry = claims.ExpiresAt.Time
	}
	for _, want := range v.cfg.RequiredScopes {
		if !p.HasScope(want) {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientScope, want)
		}
	}
	return p, nil
}

func isAccessTokenType(typ any) bool {
	s, _ := typ.(string)
	return strings.EqualFold(s, "at+jwt") || strings.EqualFold(s, "application/at+jwt")
}

var _ Authenticator = (*Validator)(nil)
