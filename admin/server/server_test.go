// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stratumfs/stratum/admin/admindb"
	"github.com/stratumfs/stratum/admin/events"
	"github.com/stratumfs/stratum/admin/gc"
	"github.com/stratumfs/stratum/admin/keys"
	"github.com/stratumfs/stratum/ingester/monitor"
	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

type apiHarness struct {
	db      *admindb.DB
	redis   *redis.Client
	mini    *miniredis.Miniredis
	rotator *keys.Rotator
	api     *httptest.Server
	token   string
}

func newAPIHarness(t *testing.T, ctx *testcontext.Context) *apiHarness {
	h := &apiHarness{}

	db, err := admindb.Open(ctx, zaptest.NewLogger(t), admindb.Config{
		Driver: "sqlite3",
		URL:    ctx.File("db", "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h.db = db

	h.mini = miniredis.RunT(t)
	h.redis = redis.NewClient(&redis.Options{Addr: h.mini.Addr()})
	t.Cleanup(func() { _ = h.redis.Close() })

	publisher := events.NewPublisher(zaptest.NewLogger(t), h.redis)

	collector := gc.NewCollector(zaptest.NewLogger(t), gc.Config{
		Interval:     time.Minute,
		BatchSize:    100,
		SafetyMargin: 24 * time.Hour,
		OrphanGrace:  24 * time.Hour,
	}, db, publisher, func(endpoint string) *seclient.Client {
		return seclient.New(endpoint, nil)
	})
	t.Cleanup(func() { _ = collector.Close() })

	rotator, err := keys.NewRotator(zaptest.NewLogger(t), keys.Config{
		RotationInterval: time.Hour,
		Overlap:          2 * time.Hour,
		TokenTTL:         time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rotator.Close() })
	h.rotator = rotator

	server, err := New(zaptest.NewLogger(t), Config{Address: "127.0.0.1:0"},
		db, h.redis, publisher, collector, rotator)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	h.api = httptest.NewServer(server.http.Handler)
	t.Cleanup(h.api.Close)

	h.token, err = rotator.IssueServiceToken("svc-test")
	require.NoError(t, err)
	return h
}

func (h *apiHarness) request(t *testing.T, method, path string, body interface{}) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.api.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, v interface{}) {
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createTestFile(t *testing.T, h *apiHarness, policy stratum.RetentionPolicy) *stratum.FileRecord {
	record := &stratum.FileRecord{
		ID:               stratum.NewFileID(),
		OriginalFilename: "report.pdf",
		StorageFilename:  "report_x.pdf",
		FileSize:         42,
		Checksum:         "00",
		ContentType:      "application/pdf",
		RetentionPolicy:  policy,
		StorageElementID: "se-edit-1",
		StoragePath:      "2025/01/01/00/report_x.pdf",
	}
	if policy == stratum.RetentionTemporary {
		ttl := time.Now().UTC().Add(time.Hour)
		record.TTLExpiresAt = &ttl
	}
	resp := h.request(t, http.MethodPost, "/api/v1/files", record)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeResponse(t, resp, record)
	return record
}

func TestAuthKeysServedWithoutToken(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newAPIHarness(t, ctx)

	// the key endpoint bootstraps the other services' verifiers
	resp, err := http.Get(h.api.URL + "/api/v1/auth/keys")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var published []auth.PublicKey
	decodeResponse(t, resp, &published)
	require.NotEmpty(t, published)
	assert.NotEmpty(t, published[0].ID)
	assert.NotEmpty(t, published[0].Key)

	// everything else stays behind the verifier
	resp, err = http.Get(h.api.URL + "/api/v1/files")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReadyToleratesRedisOutage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newAPIHarness(t, ctx)

	resp, err := http.Get(h.api.URL + "/health/ready")
	require.NoError(t, err)
	var status map[string]string
	decodeResponse(t, resp, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, status["warning"])

	// redis down degrades the cache, not the registry: still ready
	h.mini.Close()
	resp, err = http.Get(h.api.URL + "/health/ready")
	require.NoError(t, err)
	decodeResponse(t, resp, &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "redis unavailable", status["warning"])

	// the registry down means not ready
	require.NoError(t, h.db.Close())
	resp, err = http.Get(h.api.URL + "/health/ready")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUpdateFileUsesPut(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newAPIHarness(t, ctx)
	record := createTestFile(t, h, stratum.RetentionTemporary)

	policy := stratum.RetentionPermanent
	resp := h.request(t, http.MethodPut, "/api/v1/files/"+record.ID.String(),
		map[string]stratum.RetentionPolicy{"retention_policy": policy})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated stratum.FileRecord
	decodeResponse(t, resp, &updated)
	assert.Equal(t, stratum.RetentionPermanent, updated.RetentionPolicy)
	assert.Nil(t, updated.TTLExpiresAt)
}

func TestDeleteFileTakesDeletionReason(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newAPIHarness(t, ctx)
	record := createTestFile(t, h, stratum.RetentionPermanent)

	resp := h.request(t, http.MethodDelete,
		"/api/v1/files/"+record.ID.String()+"?deletion_reason="+admindb.CleanupReasonTTLExpired, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err := h.db.GetFile(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeletionReason)
	assert.Equal(t, admindb.CleanupReasonTTLExpired, *stored.DeletionReason)

	due, err := h.db.DueCleanups(ctx, time.Now().UTC().Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, admindb.CleanupReasonTTLExpired, due[0].Reason)
	assert.Equal(t, admindb.CleanupPriorityHigh, due[0].Priority)
}

func TestAvailableElementsFilters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newAPIHarness(t, ctx)

	upsert := func(id string, mode stratum.Mode, status stratum.StorageStatus) {
		require.NoError(t, h.db.UpsertElement(ctx, &stratum.StorageElementInfo{
			ID:       id,
			Mode:     mode,
			Priority: 10,
			Endpoint: "http://" + id + ":8080",
			Status:   status,
		}))
	}
	upsert("se-rw-ready", stratum.ModeRW, stratum.StatusReady)
	upsert("se-rw-cramped", stratum.ModeRW, stratum.StatusReady)
	upsert("se-edit", stratum.ModeEdit, stratum.StatusReady)
	upsert("se-ro", stratum.ModeRO, stratum.StatusReady)
	upsert("se-rw-offline", stratum.ModeRW, stratum.StatusOffline)

	// the cramped element has a capacity entry below the requested floor
	entry, err := json.Marshal(monitor.CacheEntry{
		ElementID: "se-rw-cramped",
		Mode:      stratum.ModeRW,
		Available: 100,
	})
	require.NoError(t, err)
	require.NoError(t, h.redis.Set(ctx, monitor.CapacityKey("se-rw-cramped"), entry, 0).Err())

	resp := h.request(t, http.MethodGet,
		"/api/v1/internal/storage-elements/available?mode=rw&min_free_bytes=500", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var available []*stratum.StorageElementInfo
	decodeResponse(t, resp, &available)
	require.Len(t, available, 1)
	assert.Equal(t, "se-rw-ready", available[0].ID)

	resp = h.request(t, http.MethodGet,
		"/api/v1/internal/storage-elements/available?mode=bogus", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
