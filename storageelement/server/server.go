// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package server exposes the storage element HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/pkg/web"
	"github.com/stratumfs/stratum/storageelement/blobstore"
	"github.com/stratumfs/stratum/storageelement/capacity"
	"github.com/stratumfs/stratum/storageelement/meta"
	"github.com/stratumfs/stratum/storageelement/store"
)

// Error is the storage element server error class.
var Error = errs.Class("se server")

// Config configures the HTTP server.
type Config struct {
	Address string `help:"address to listen on" default:":8401"`
}

// Server is the storage element HTTP server.
type Server struct {
	log *zap.Logger

	elementID string
	mode      stratum.Mode
	priority  int
	location  string

	store     *store.Store
	capacity  *capacity.Service
	rebuilder *meta.Rebuilder
	verifier  auth.Verifier

	http     http.Server
	listener net.Listener
}

// New creates a storage element server.
func New(log *zap.Logger, config Config, elementID string, mode stratum.Mode, priority int, location string, fileStore *store.Store, capacityService *capacity.Service, rebuilder *meta.Rebuilder, verifier auth.Verifier) (*Server, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	server := &Server{
		log:       log,
		elementID: elementID,
		mode:      mode,
		priority:  priority,
		location:  location,
		store:     fileStore,
		capacity:  capacityService,
		rebuilder: rebuilder,
		verifier:  verifier,
		listener:  listener,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(web.RequestID)

	router.Get("/health/live", server.handleLive)
	router.Get("/health/ready", server.handleReady)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		r.Get("/capacity", server.handleCapacity)
		r.Get("/info", server.handleInfo)

		r.With(auth.RequireWrite).Post("/files/upload", server.handleUpload)
		r.Get("/files/{id}/download", server.handleDownload)
		r.Get("/files/{id}", server.handleGetMetadata)
		r.With(auth.RequireWrite).Patch("/files/{id}", server.handleUpdateMetadata)
		r.With(auth.RequireWrite).Delete("/files/{id}", server.handleDelete)

		r.With(auth.RequireAdmin).Post("/cache/rebuild", server.handleRebuild)
		r.With(auth.RequireAdmin).Get("/cache/consistency", server.handleConsistency)
	})

	server.http = http.Server{Handler: router}
	return server, nil
}

// Addr returns the bound listen address.
func (server *Server) Addr() string { return server.listener.Addr().String() }

// Run serves requests until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errs.Group
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		group.Add(server.http.Shutdown(shutdownCtx))
	}()

	err := server.http.Serve(server.listener)
	if !errors.Is(err, http.ErrServerClosed) {
		group.Add(err)
	}
	cancel()
	<-done
	return Error.Wrap(group.Err())
}

// Close stops the server.
func (server *Server) Close() error {
	return Error.Wrap(server.http.Close())
}

func (server *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (server *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := server.capacity.Report(r.Context()); err != nil {
		web.Error(w, r, http.StatusServiceUnavailable, "backend unavailable")
		return
	}
	if _, err := server.store.List(r.Context(), 1, 0); err != nil {
		web.Error(w, r, http.StatusServiceUnavailable, "metadata cache unavailable")
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (server *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	record, err := server.capacity.Report(r.Context())
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"storage_id": record.StorageID,
		"mode":       record.Mode,
		"capacity": map[string]interface{}{
			"total":        record.Total,
			"used":         record.Used,
			"available":    record.Available,
			"percent_used": record.PercentUsed,
		},
		"health":      record.Health,
		"backend":     record.Backend,
		"location":    record.Location,
		"last_update": record.LastPoll,
	})
}

func (server *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	record, err := server.capacity.Report(r.Context())
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"element_id": server.elementID,
		"mode":       server.mode,
		"priority":   server.priority,
		"location":   server.location,
		"health":     record.Health,
		"capacity": map[string]interface{}{
			"total":        record.Total,
			"used":         record.Used,
			"available":    record.Available,
			"percent_used": record.PercentUsed,
		},
	})
}

func (server *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		web.Error(w, r, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "malformed multipart body: "+err.Error())
		return
	}

	req := store.UploadRequest{
		ExpectedSize:    -1,
		RetentionPolicy: stratum.RetentionTemporary,
	}

	for {
		part, err := reader.NextPart()
		if err != nil {
			web.Error(w, r, http.StatusBadRequest, "missing file part")
			return
		}

		if part.FormName() != "file" {
			value, _ := io.ReadAll(io.LimitReader(part, 512))
			server.applyUploadField(&req, part.FormName(), string(value))
			continue
		}

		if req.OriginalFilename == "" {
			req.OriginalFilename = part.FileName()
		}
		if req.ContentType == "" {
			req.ContentType = part.Header.Get("Content-Type")
		}
		req.Data = part

		// a declared size lets the allocation check run before any bytes land
		if req.ExpectedSize >= 0 {
			ok, err := server.capacity.HasSpaceFor(ctx, req.ExpectedSize)
			if err == nil && !ok {
				web.Error(w, r, http.StatusInsufficientStorage, "insufficient storage")
				return
			}
		}

		result, err := server.store.Upload(ctx, req)
		if err != nil {
			server.writeError(w, r, err)
			return
		}
		web.JSON(w, http.StatusCreated, result)
		return
	}
}

func (server *Server) applyUploadField(req *store.UploadRequest, name, value string) {
	switch name {
	case "retention_policy":
		if policy, err := stratum.ParseRetentionPolicy(value); err == nil {
			req.RetentionPolicy = policy
		}
	case "ttl_expires_at":
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			req.TTLExpiresAt = &ts
		}
	case "uploader":
		req.Uploader = value
	case "original_filename":
		req.OriginalFilename = value
	case "content_type":
		req.ContentType = value
	case "expected_size":
		if size, err := strconv.ParseInt(value, 10, 64); err == nil {
			req.ExpectedSize = size
		}
	case "file_id":
		if id, err := stratum.FileIDFromString(value); err == nil {
			req.FileID = id
		}
	}
}

func (server *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}

	reader, entry, err := server.store.Download(r.Context(), id)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.FileSize, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": entry.OriginalFilename}))
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 64<<10)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (server *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}

	entry, err := server.store.GetMetadata(r.Context(), id)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, entryResponse(entry))
}

type updateRequest struct {
	CustomAttributes map[string]string        `json:"custom_attributes"`
	RetentionPolicy  *stratum.RetentionPolicy `json:"retention_policy"`
}

func (server *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}

	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := server.store.UpdateMetadata(r.Context(), id, req.CustomAttributes, req.RetentionPolicy)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, entryResponse(entry))
}

func (server *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}

	if err := server.store.Delete(r.Context(), id); err != nil {
		server.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var inserted int
	var err error
	switch r.URL.Query().Get("mode") {
	case "", "full":
		inserted, err = server.rebuilder.RebuildFull(r.Context())
	case "incremental":
		inserted, err = server.rebuilder.RebuildIncremental(r.Context())
	default:
		web.Error(w, r, http.StatusBadRequest, "mode must be full or incremental")
		return
	}
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]int{"inserted": inserted})
}

func (server *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := server.rebuilder.CheckConsistency(r.Context())
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, report)
}

func (server *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case store.ErrInvalidMode.Has(err):
		web.Error(w, r, http.StatusBadRequest, err.Error())
	case store.ErrNotFound.Has(err), meta.ErrNotFound.Has(err), blobstore.ErrNotFound.Has(err):
		web.Error(w, r, http.StatusNotFound, "file not found")
	case blobstore.ErrInsufficientSpace.Has(err):
		web.Error(w, r, http.StatusInsufficientStorage, "insufficient storage")
	case meta.ErrLockContention.Has(err):
		web.Error(w, r, http.StatusConflict, err.Error())
	case blobstore.Error.Has(err):
		web.LogError(server.log, r, err)
		web.Error(w, r, http.StatusBadGateway, "storage backend error")
	default:
		web.LogError(server.log, r, err)
		web.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return Error.New("malformed request body: %v", err)
	}
	return nil
}

func entryResponse(entry *meta.Entry) map[string]interface{} {
	return map[string]interface{}{
		"file_id":           entry.FileID,
		"original_filename": entry.OriginalFilename,
		"storage_filename":  entry.StorageFilename,
		"storage_path":      entry.StoragePath,
		"file_size":         entry.FileSize,
		"checksum":          entry.Checksum,
		"content_type":      entry.ContentType,
		"retention_policy":  entry.RetentionPolicy,
		"ttl_expires_at":    entry.TTLExpiresAt,
		"created_at":        entry.CreatedAt,
		"updated_at":        entry.UpdatedAt,
		"cache_updated_at":  entry.CacheUpdatedAt,
	}
}
