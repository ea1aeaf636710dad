// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package adminclient is the HTTP client for the admin module's API,
// used by the ingester for registry writes and as the selection
// fallback when the capacity cache is unavailable.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the admin client error class.
	Error = errs.Class("adminclient")
	// ErrNotFound is returned when the registry does not know the entity.
	ErrNotFound = errs.Class("not found in registry")
	// ErrConflict is returned for rejected transitions.
	ErrConflict = errs.Class("conflict")
	// ErrUnavailable is returned when the admin module cannot be reached.
	ErrUnavailable = errs.Class("admin unavailable")

	mon = monkit.Package()
)

// TokenFunc supplies a bearer token for outgoing requests.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to the admin module.
type Client struct {
	baseURL string
	token   TokenFunc
	http    http.Client
}

// New creates a client for the admin module at baseURL.
func New(baseURL string, token TokenFunc) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    http.Client{Timeout: 30 * time.Second},
	}
}

func (client *Client) do(ctx context.Context, method, path string, body, out interface{}, accept ...int) (err error) {
	defer mon.Task()(&ctx)(&err)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Error.Wrap(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return Error.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if client.token != nil {
		token, err := client.token(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	accepted := false
	for _, status := range accept {
		if resp.StatusCode == status {
			accepted = true
			break
		}
	}
	if !accepted {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return ErrNotFound.New("%s", strings.TrimSpace(string(message)))
		case http.StatusConflict:
			return ErrConflict.New("%s", strings.TrimSpace(string(message)))
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			return ErrUnavailable.New("status %d", resp.StatusCode)
		default:
			return Error.New("status %d: %s", resp.StatusCode, strings.TrimSpace(string(message)))
		}
	}

	if out != nil {
		return Error.Wrap(json.NewDecoder(resp.Body).Decode(out))
	}
	return nil
}

// CreateFile registers a file record.
func (client *Client) CreateFile(ctx context.Context, record *stratum.FileRecord) error {
	return client.do(ctx, http.MethodPost, "/api/v1/files", record, record, http.StatusCreated)
}

// GetFile fetches a file record.
func (client *Client) GetFile(ctx context.Context, id stratum.FileID) (*stratum.FileRecord, error) {
	var record stratum.FileRecord
	if err := client.do(ctx, http.MethodGet, "/api/v1/files/"+id.String(), nil, &record, http.StatusOK); err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteFile soft-deletes a file record.
func (client *Client) DeleteFile(ctx context.Context, id stratum.FileID) error {
	return client.do(ctx, http.MethodDelete, "/api/v1/files/"+id.String(), nil, nil, http.StatusNoContent)
}

// UpdateRetention changes the file's retention policy.
func (client *Client) UpdateRetention(ctx context.Context, id stratum.FileID, policy stratum.RetentionPolicy) (*stratum.FileRecord, error) {
	var record stratum.FileRecord
	body := map[string]stratum.RetentionPolicy{"retention_policy": policy}
	if err := client.do(ctx, http.MethodPut, "/api/v1/files/"+id.String(), body, &record, http.StatusOK); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListElements returns the registered storage elements.
func (client *Client) ListElements(ctx context.Context) ([]*stratum.StorageElementInfo, error) {
	var elements []*stratum.StorageElementInfo
	if err := client.do(ctx, http.MethodGet, "/api/v1/storage-elements", nil, &elements, http.StatusOK); err != nil {
		return nil, err
	}
	return elements, nil
}

// AvailableElements returns the writable READY elements, narrowed to
// mode and minimum free space when given. This is the selection
// fallback when the capacity cache cannot serve.
func (client *Client) AvailableElements(ctx context.Context, mode stratum.Mode, minFreeBytes int64) ([]*stratum.StorageElementInfo, error) {
	params := url.Values{}
	if mode != "" {
		params.Set("mode", string(mode))
	}
	if minFreeBytes > 0 {
		params.Set("min_free_bytes", strconv.FormatInt(minFreeBytes, 10))
	}
	path := "/api/v1/internal/storage-elements/available"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var elements []*stratum.StorageElementInfo
	if err := client.do(ctx, http.MethodGet, path, nil, &elements, http.StatusOK); err != nil {
		return nil, err
	}
	return elements, nil
}

// SetFileLocation moves the record to a new element after finalization.
func (client *Client) SetFileLocation(ctx context.Context, id stratum.FileID, elementID, storagePath string, finalizedAt time.Time) error {
	body := map[string]interface{}{
		"storage_element_id": elementID,
		"storage_path":       storagePath,
		"finalized_at":       finalizedAt,
	}
	return client.do(ctx, http.MethodPost, "/api/v1/internal/files/"+id.String()+"/location", body, nil, http.StatusOK)
}

// CreateFinalize records a new finalize transaction.
func (client *Client) CreateFinalize(ctx context.Context, transaction *stratum.FinalizeTransaction) error {
	return client.do(ctx, http.MethodPost, "/api/v1/internal/finalize", transaction, transaction, http.StatusCreated)
}

// GetFinalize fetches a finalize transaction.
func (client *Client) GetFinalize(ctx context.Context, transactionID string) (*stratum.FinalizeTransaction, error) {
	var transaction stratum.FinalizeTransaction
	if err := client.do(ctx, http.MethodGet, "/api/v1/internal/finalize/"+transactionID, nil, &transaction, http.StatusOK); err != nil {
		return nil, err
	}
	return &transaction, nil
}

// AdvanceFinalize transitions a finalize transaction.
func (client *Client) AdvanceFinalize(ctx context.Context, transactionID string, state stratum.FinalizeState, checksum, lastError string) (*stratum.FinalizeTransaction, error) {
	var transaction stratum.FinalizeTransaction
	body := map[string]string{
		"state":    string(state),
		"checksum": checksum,
		"error":    lastError,
	}
	if err := client.do(ctx, http.MethodPost, "/api/v1/internal/finalize/"+transactionID+"/advance", body, &transaction, http.StatusOK); err != nil {
		return nil, err
	}
	return &transaction, nil
}
