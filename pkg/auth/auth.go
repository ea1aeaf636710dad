// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package auth implements short-lived signed bearer tokens with a
// multi-version verifier, so that keys can rotate with an overlap window
// without invalidating tokens in flight.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zeebo/errs"
)

var (
	// Error is the auth error class.
	Error = errs.Class("auth")
	// ErrTokenInvalid is returned when a token fails verification.
	ErrTokenInvalid = errs.Class("token invalid")
	// ErrRoleInsufficient is returned when a token's role does not allow
	// an operation.
	ErrRoleInsufficient = errs.Class("role insufficient")
)

// Subject types.
const (
	SubjectServiceAccount = "service_account"
	SubjectAdminUser      = "admin_user"
)

// Roles. Role checks are coarse: ADMIN/USER for writes, any role for reads.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// Claims are the token claims carried by every call.
type Claims struct {
	jwt.RegisteredClaims

	Type string `json:"type"`
	Role string `json:"role"`
}

// Key is one generation of the signing key pair.
type Key struct {
	ID      string
	Public  ed25519.PublicKey
	private ed25519.PrivateKey

	CreatedAt time.Time
	// NotAfter is when the public key stops being accepted by verifiers.
	NotAfter time.Time
}

// GenerateKey creates a fresh signing key valid for the overlap window.
func GenerateKey(now time.Time, overlap time.Duration) (*Key, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Key{
		ID:        hex.EncodeToString(idBytes),
		Public:    public,
		private:   private,
		CreatedAt: now,
		NotAfter:  now.Add(overlap),
	}, nil
}

// KeySet holds the active signing key plus all still-valid older public
// keys. Verification accepts any currently-active key.
type KeySet struct {
	mu      sync.RWMutex
	signing *Key
	keys    map[string]*Key
}

// NewKeySet creates an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]*Key)}
}

// Rotate installs key as the new signing key. Older keys stay in the set
// until their NotAfter passes.
func (set *KeySet) Rotate(key *Key) {
	set.mu.Lock()
	defer set.mu.Unlock()
	set.signing = key
	set.keys[key.ID] = key
}

// Prune drops keys whose overlap window has passed.
func (set *KeySet) Prune(now time.Time) int {
	set.mu.Lock()
	defer set.mu.Unlock()

	dropped := 0
	for id, key := range set.keys {
		if set.signing != nil && id == set.signing.ID {
			continue
		}
		if now.After(key.NotAfter) {
			delete(set.keys, id)
			dropped++
		}
	}
	return dropped
}

// SigningKey returns the current signing key, or nil.
func (set *KeySet) SigningKey() *Key {
	set.mu.RLock()
	defer set.mu.RUnlock()
	return set.signing
}

// PublicKey is the wire form of one accepted verification key, served
// by the admin module for the other services' verifiers.
type PublicKey struct {
	ID       string    `json:"kid"`
	Key      string    `json:"key"`
	NotAfter time.Time `json:"not_after"`
}

// PublicKeys returns every currently-accepted key in wire form.
func (set *KeySet) PublicKeys() []PublicKey {
	set.mu.RLock()
	defer set.mu.RUnlock()
	published := make([]PublicKey, 0, len(set.keys))
	for _, key := range set.keys {
		published = append(published, PublicKey{
			ID:       key.ID,
			Key:      base64.StdEncoding.EncodeToString(key.Public),
			NotAfter: key.NotAfter,
		})
	}
	return published
}

// ActiveKeys returns the ids of all currently-accepted keys.
func (set *KeySet) ActiveKeys() []string {
	set.mu.RLock()
	defer set.mu.RUnlock()
	ids := make([]string, 0, len(set.keys))
	for id := range set.keys {
		ids = append(ids, id)
	}
	return ids
}

// Sign issues a token for the subject with the given type and role.
func (set *KeySet) Sign(subject, subjectType, role string, ttl time.Duration) (string, error) {
	key := set.SigningKey()
	if key == nil {
		return "", Error.New("no signing key")
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: subjectType,
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.private)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return signed, nil
}

// Verify parses the token against any currently-active public key.
func (set *KeySet) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrTokenInvalid.New("unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)

		set.mu.RLock()
		defer set.mu.RUnlock()
		key, ok := set.keys[kid]
		if !ok {
			return nil, ErrTokenInvalid.New("unknown key id %q", kid)
		}
		if time.Now().After(key.NotAfter) {
			return nil, ErrTokenInvalid.New("key %q expired", kid)
		}
		return key.Public, nil
	})
	if err != nil {
		return nil, ErrTokenInvalid.Wrap(err)
	}
	return claims, nil
}

// RequireWrite checks that the claims allow mutating calls.
func (claims *Claims) RequireWrite() error {
	switch claims.Role {
	case RoleAdmin, RoleUser:
		return nil
	}
	return ErrRoleInsufficient.New("role %q cannot write", claims.Role)
}

// RequireAdmin checks that the claims carry the ADMIN role.
func (claims *Claims) RequireAdmin() error {
	if claims.Role != RoleAdmin {
		return ErrRoleInsufficient.New("role %q is not ADMIN", claims.Role)
	}
	return nil
}
