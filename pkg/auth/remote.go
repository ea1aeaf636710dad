// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// remoteRefreshInterval bounds how often the key endpoint is hit
	// when unknown key ids show up; a flood of bad tokens must not
	// hammer the admin module.
	remoteRefreshInterval = time.Minute
	remoteFetchTimeout    = 10 * time.Second
)

// RemoteVerifier verifies tokens against the public keys the admin
// module publishes. Keys are cached and re-fetched when a token carries
// an unknown key id, so rotations propagate without restarts.
type RemoteVerifier struct {
	url        string
	http       http.Client
	minRefresh time.Duration

	mu      sync.RWMutex
	keys    map[string]remoteKey
	fetched time.Time
}

type remoteKey struct {
	public   ed25519.PublicKey
	notAfter time.Time
}

// NewRemoteVerifier creates a verifier reading keys from url.
func NewRemoteVerifier(url string) *RemoteVerifier {
	return &RemoteVerifier{
		url:        url,
		http:       http.Client{Timeout: remoteFetchTimeout},
		minRefresh: remoteRefreshInterval,
		keys:       map[string]remoteKey{},
	}
}

// Verify parses the token against the published keys, refreshing them
// once when the key id is not known yet.
func (verifier *RemoteVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrTokenInvalid.New("unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)

		key, ok := verifier.lookup(kid)
		if !ok {
			if err := verifier.refresh(); err != nil {
				return nil, err
			}
			if key, ok = verifier.lookup(kid); !ok {
				return nil, ErrTokenInvalid.New("unknown key id %q", kid)
			}
		}
		if time.Now().After(key.notAfter) {
			return nil, ErrTokenInvalid.New("key %q expired", kid)
		}
		return key.public, nil
	})
	if err != nil {
		return nil, ErrTokenInvalid.Wrap(err)
	}
	return claims, nil
}

func (verifier *RemoteVerifier) lookup(kid string) (remoteKey, bool) {
	verifier.mu.RLock()
	defer verifier.mu.RUnlock()
	key, ok := verifier.keys[kid]
	return key, ok
}

func (verifier *RemoteVerifier) refresh() error {
	verifier.mu.Lock()
	if time.Since(verifier.fetched) < verifier.minRefresh {
		verifier.mu.Unlock()
		return ErrTokenInvalid.New("unknown signing key")
	}
	verifier.fetched = time.Now()
	verifier.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), remoteFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifier.url, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := verifier.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Error.New("key fetch status %d", resp.StatusCode)
	}

	var published []PublicKey
	if err := json.NewDecoder(resp.Body).Decode(&published); err != nil {
		return Error.Wrap(err)
	}

	keys := make(map[string]remoteKey, len(published))
	for _, pk := range published {
		raw, err := base64.StdEncoding.DecodeString(pk.Key)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys[pk.ID] = remoteKey{public: ed25519.PublicKey(raw), notAfter: pk.NotAfter}
	}

	verifier.mu.Lock()
	verifier.keys = keys
	verifier.mu.Unlock()
	return nil
}
