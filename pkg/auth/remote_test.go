// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyServer(t *testing.T, set *KeySet) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set.PublicKeys()))
	}))
}

func TestRemoteVerifier(t *testing.T) {
	set := NewKeySet()
	key, err := GenerateKey(time.Now(), time.Hour)
	require.NoError(t, err)
	set.Rotate(key)

	server := newKeyServer(t, set)
	defer server.Close()

	verifier := NewRemoteVerifier(server.URL)

	token, err := set.Sign("svc-ingester", SubjectServiceAccount, RoleAdmin, time.Minute)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "svc-ingester", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)

	// forged tokens signed by a key the admin never published fail
	other := NewKeySet()
	otherKey, err := GenerateKey(time.Now(), time.Hour)
	require.NoError(t, err)
	other.Rotate(otherKey)

	forged, err := other.Sign("svc-ingester", SubjectServiceAccount, RoleAdmin, time.Minute)
	require.NoError(t, err)

	verifier.minRefresh = 0
	_, err = verifier.Verify(forged)
	require.Error(t, err)
	assert.True(t, ErrTokenInvalid.Has(err))
}

func TestRemoteVerifierPicksUpRotation(t *testing.T) {
	set := NewKeySet()
	first, err := GenerateKey(time.Now(), time.Hour)
	require.NoError(t, err)
	set.Rotate(first)

	server := newKeyServer(t, set)
	defer server.Close()

	verifier := NewRemoteVerifier(server.URL)
	verifier.minRefresh = 0

	token, err := set.Sign("svc-query", SubjectServiceAccount, RoleUser, time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(token)
	require.NoError(t, err)

	second, err := GenerateKey(time.Now(), time.Hour)
	require.NoError(t, err)
	set.Rotate(second)

	rotated, err := set.Sign("svc-query", SubjectServiceAccount, RoleUser, time.Minute)
	require.NoError(t, err)

	claims, err := verifier.Verify(rotated)
	require.NoError(t, err)
	assert.Equal(t, "svc-query", claims.Subject)
}

func TestRemoteVerifierRefreshRateLimit(t *testing.T) {
	set := NewKeySet()
	key, err := GenerateKey(time.Now(), time.Hour)
	require.NoError(t, err)
	set.Rotate(key)

	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		require.NoError(t, json.NewEncoder(w).Encode(set.PublicKeys()))
	}))
	defer server.Close()

	verifier := NewRemoteVerifier(server.URL)

	token, err := set.Sign("svc-se", SubjectServiceAccount, RoleUser, time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, 1, fetches)

	// an unknown kid inside the refresh window must not hit the server again
	other := NewKeySet()
	otherKey, err := GenerateKey(time.Now(), time.Hour)
	require.NoError(t, err)
	other.Rotate(otherKey)
	forged, err := other.Sign("svc-se", SubjectServiceAccount, RoleUser, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(forged)
	require.Error(t, err)
	assert.Equal(t, 1, fetches)
}
