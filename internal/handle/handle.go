// Package handle issues and verifies the opaque session handles given to
// transports in place of raw workflow session ids. A handle is a compact
// EdDSA JWS over a small claims object.
package handle

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

var (
	// ErrExpired is returned by Open for a handle past its expiry.
	ErrExpired = errors.New("handle: expired")
	// ErrInvalid is returned by Open for a malformed or forged handle.
	ErrInvalid = errors.New("handle: invalid")
)

// Claims is the payload of a handle.
type Claims struct {
	SessionID string `json:"sid"`
	Kind      string `json:"knd"`
	ClientID  string `json:"cid,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Keyring holds Ed25519 keys by kid with a designated active key for
// signing. Retired keys remain usable for verification until removed.
type Keyring struct {
	mu        sync.RWMutex
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey

	now func() time.Time
}

// NewKeyring returns an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
		now:      time.Now,
	}
}

// Generate returns a Keyring with one freshly generated active key.
func Generate() (*Keyring, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handle: generate key: %w", err)
	}
	k := NewKeyring()
	kid := uuid.NewString()
	k.AddKey(kid, priv)
	if err := k.SetActive(kid); err != nil {
		return nil, err
	}
	return k, nil
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (k *Keyring) AddKey(kid string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.privKeys[kid] = priv
	k.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// RemoveKey forgets kid. Handles signed with it no longer verify.
func (k *Keyring) RemoveKey(kid string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.privKeys, kid)
	delete(k.pubKeys, kid)
	if k.activeKid == kid {
		k.activeKid = ""
	}
}

// SetActive selects the key used for signing.
func (k *Keyring) SetActive(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.privKeys[kid]; !ok {
		return fmt.Errorf("handle: unknown kid: %s", kid)
	}
	k.activeKid = kid
	return nil
}

// ActiveKID returns the signing key id.
func (k *Keyring) ActiveKID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeKid
}

// Seal signs c with the active key. A positive ttl sets ExpiresAt.
func (k *Keyring) Seal(c Claims, ttl time.Duration) (string, error) {
	now := k.now()
	c.IssuedAt = now.Unix()
	if ttl > 0 {
		c.ExpiresAt = now.Add(ttl).Unix()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("handle: marshal claims: %w", err)
	}

	k.mu.RLock()
	kid := k.activeKid
	priv, ok := k.privKeys[kid]
	k.mu.RUnlock()
	if kid == "" {
		return "", errors.New("handle: no active kid configured")
	}
	if !ok {
		return "", fmt.Errorf("handle: active kid not found: %s", kid)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("handle: create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("handle: sign: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("handle: serialize: %w", err)
	}
	return compact, nil
}

// Open verifies token and returns its claims.
func (k *Keyring) Open(token string) (*Claims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: unexpected signatures: %d", ErrInvalid, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID

	k.mu.RLock()
	pub, ok := k.pubKeys[kid]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid: %s", ErrInvalid, kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalid)
	}
	if c.ExpiresAt != 0 && k.now().Unix() >= c.ExpiresAt {
		return nil, ErrExpired
	}
	return &c, nil
}
