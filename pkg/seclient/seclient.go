// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package seclient is the HTTP client for storage elements, used by the
// ingester and the admin module.
package seclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the storage element client error class.
	Error = errs.Class("seclient")
	// ErrNotFound is returned when the element does not know the file.
	ErrNotFound = errs.Class("file not found on element")
	// ErrInsufficientStorage is returned when the element rejected a write
	// for lack of space.
	ErrInsufficientStorage = errs.Class("element out of space")
	// ErrUnavailable is returned when the element cannot be reached or is
	// not ready.
	ErrUnavailable = errs.Class("element unavailable")

	mon = monkit.Package()
)

// Request timeouts per operation class.
const (
	CapacityTimeout = 15 * time.Second
	DefaultTimeout  = 30 * time.Second
	DownloadTimeout = 300 * time.Second
)

// TokenFunc supplies a bearer token for outgoing requests. A nil
// TokenFunc sends unauthenticated requests.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to a single storage element.
type Client struct {
	baseURL string
	token   TokenFunc

	capacityHTTP http.Client
	defaultHTTP  http.Client
	downloadHTTP http.Client
}

// New creates a client for the element at baseURL.
func New(baseURL string, token TokenFunc) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		capacityHTTP: http.Client{Timeout: CapacityTimeout},
		defaultHTTP:  http.Client{Timeout: DefaultTimeout},
		downloadHTTP: http.Client{Timeout: DownloadTimeout},
	}
}

// BaseURL returns the element's base url.
func (client *Client) BaseURL() string { return client.baseURL }

func (client *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if client.token != nil {
		token, err := client.token(ctx)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound.New("%s", message)
	case http.StatusInsufficientStorage:
		return ErrInsufficientStorage.New("%s", message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable.New("status %d: %s", resp.StatusCode, message)
	default:
		return Error.New("status %d: %s", resp.StatusCode, message)
	}
}

func decodeBody(resp *http.Response, v interface{}) error {
	return Error.Wrap(json.NewDecoder(resp.Body).Decode(v))
}

// CapacityResponse is the element's capacity report.
type CapacityResponse struct {
	StorageID string       `json:"storage_id"`
	Mode      stratum.Mode `json:"mode"`
	Capacity  struct {
		Total       int64   `json:"total"`
		Used        int64   `json:"used"`
		Available   int64   `json:"available"`
		PercentUsed float64 `json:"percent_used"`
	} `json:"capacity"`
	Health     stratum.Health `json:"health"`
	Backend    string         `json:"backend"`
	Location   string         `json:"location"`
	LastUpdate time.Time      `json:"last_update"`
}

// Capacity polls the element's capacity endpoint.
func (client *Client) Capacity(ctx context.Context) (_ *CapacityResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := client.newRequest(ctx, http.MethodGet, "/api/v1/capacity", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.capacityHTTP.Do(req)
	if err != nil {
		return nil, ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var capacity CapacityResponse
	if err := decodeBody(resp, &capacity); err != nil {
		return nil, err
	}
	return &capacity, nil
}

// UploadParams carries the metadata fields of an upload.
type UploadParams struct {
	FileID           stratum.FileID
	OriginalFilename string
	Uploader         string
	ContentType      string
	RetentionPolicy  stratum.RetentionPolicy
	TTLExpiresAt     *time.Time
	ExpectedSize     int64
}

// UploadResult mirrors the element's upload response.
type UploadResult struct {
	FileID          stratum.FileID `json:"file_id"`
	FileSize        int64          `json:"file_size"`
	Checksum        string         `json:"checksum"`
	StoragePath     string         `json:"storage_path"`
	StorageFilename string         `json:"storage_filename"`
}

// Upload streams data to the element.
func (client *Client) Upload(ctx context.Context, params UploadParams, data io.Reader) (_ *UploadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	pipeReader, pipeWriter := io.Pipe()
	form := multipart.NewWriter(pipeWriter)

	go func() {
		err := writeUploadForm(form, params, data)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		_ = pipeWriter.CloseWithError(form.Close())
	}()

	req, err := client.newRequest(ctx, http.MethodPost, "/api/v1/files/upload", pipeReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := client.downloadHTTP.Do(req)
	if err != nil {
		return nil, ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, statusError(resp)
	}
	var result UploadResult
	if err := decodeBody(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func writeUploadForm(form *multipart.Writer, params UploadParams, data io.Reader) error {
	fields := map[string]string{
		"retention_policy": string(params.RetentionPolicy),
		"uploader":         params.Uploader,
	}
	if !params.FileID.IsZero() {
		fields["file_id"] = params.FileID.String()
	}
	if params.TTLExpiresAt != nil {
		fields["ttl_expires_at"] = params.TTLExpiresAt.Format(time.RFC3339)
	}
	if params.ExpectedSize >= 0 {
		fields["expected_size"] = strconv.FormatInt(params.ExpectedSize, 10)
	}
	if params.ContentType != "" {
		fields["content_type"] = params.ContentType
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := form.WriteField(name, value); err != nil {
			return err
		}
	}

	part, err := form.CreateFormFile("file", params.OriginalFilename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, data)
	return err
}

// Download opens the file bytes for streaming. The caller closes the
// returned reader.
func (client *Client) Download(ctx context.Context, id stratum.FileID) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := client.newRequest(ctx, http.MethodGet, "/api/v1/files/"+id.String()+"/download", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.downloadHTTP.Do(req)
	if err != nil {
		return nil, ErrUnavailable.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// Metadata is the element's view of a file.
type Metadata struct {
	FileID           stratum.FileID          `json:"file_id"`
	OriginalFilename string                  `json:"original_filename"`
	StorageFilename  string                  `json:"storage_filename"`
	StoragePath      string                  `json:"storage_path"`
	FileSize         int64                   `json:"file_size"`
	Checksum         string                  `json:"checksum"`
	ContentType      string                  `json:"content_type"`
	RetentionPolicy  stratum.RetentionPolicy `json:"retention_policy"`
	TTLExpiresAt     *time.Time              `json:"ttl_expires_at"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// GetMetadata fetches the element's metadata for the file.
func (client *Client) GetMetadata(ctx context.Context, id stratum.FileID) (_ *Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := client.newRequest(ctx, http.MethodGet, "/api/v1/files/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.defaultHTTP.Do(req)
	if err != nil {
		return nil, ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var metadata Metadata
	if err := decodeBody(resp, &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

// UpdateMetadata merges custom attributes and optionally changes the
// retention policy on the element.
func (client *Client) UpdateMetadata(ctx context.Context, id stratum.FileID, custom map[string]string, retention *stratum.RetentionPolicy) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(map[string]interface{}{
		"custom_attributes": custom,
		"retention_policy":  retention,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := client.newRequest(ctx, http.MethodPatch, "/api/v1/files/"+id.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.defaultHTTP.Do(req)
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Delete removes the file from the element. Callers that need idempotent
// cleanup treat ErrNotFound as success.
func (client *Client) Delete(ctx context.Context, id stratum.FileID) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := client.newRequest(ctx, http.MethodDelete, "/api/v1/files/"+id.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.defaultHTTP.Do(req)
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// Ready probes the element's readiness endpoint.
func (client *Client) Ready(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := client.newRequest(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := client.capacityHTTP.Do(req)
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ErrUnavailable.New("status %d", resp.StatusCode)
	}
	return nil
}

// String implements fmt.Stringer.
func (client *Client) String() string { return fmt.Sprintf("seclient(%s)", client.baseURL) }
