// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package server exposes the admin module's HTTP API: the file
// registry, the storage element registry and the internal endpoints the
// ingester depends on.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/admin/admindb"
	"github.com/stratumfs/stratum/admin/events"
	"github.com/stratumfs/stratum/admin/gc"
	"github.com/stratumfs/stratum/admin/keys"
	"github.com/stratumfs/stratum/ingester/monitor"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/pkg/web"
)

// Error is the admin server error class.
var Error = errs.Class("admin server")

// Config configures the admin HTTP server.
type Config struct {
	Address        string   `help:"address to listen on" default:":8400"`
	AllowedOrigins []string `help:"origins allowed by cors" default:""`
}

// Server is the admin HTTP server.
type Server struct {
	log *zap.Logger

	db        *admindb.DB
	redis     redis.UniversalClient
	events    *events.Publisher
	collector *gc.Collector
	rotator   *keys.Rotator

	http     http.Server
	listener net.Listener
}

// New creates the admin server.
func New(log *zap.Logger, config Config, db *admindb.DB, redisClient redis.UniversalClient, publisher *events.Publisher, collector *gc.Collector, rotator *keys.Rotator) (*Server, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	server := &Server{
		log:       log,
		db:        db,
		redis:     redisClient,
		events:    publisher,
		collector: collector,
		rotator:   rotator,
		listener:  listener,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(web.RequestID)
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: config.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	router.Get("/health/live", server.handleLive)
	router.Get("/health/ready", server.handleReady)

	router.Route("/api/v1", func(r chi.Router) {
		// key distribution stays unauthenticated: the other services
		// need it to bootstrap their verifiers
		r.Get("/auth/keys", server.handleAuthKeys)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(rotator.KeySet()))

			r.With(auth.RequireWrite).Post("/files", server.handleCreateFile)
			r.Get("/files", server.handleListFiles)
			r.Get("/files/{id}", server.handleGetFile)
			r.With(auth.RequireWrite).Put("/files/{id}", server.handleUpdateFile)
			r.With(auth.RequireAdmin).Delete("/files/{id}", server.handleDeleteFile)

			r.Get("/storage-elements", server.handleListElements)
			r.With(auth.RequireAdmin).Post("/storage-elements", server.handleUpsertElement)
			r.With(auth.RequireAdmin).Patch("/storage-elements/{id}/status", server.handleElementStatus)

			r.Route("/internal", func(internal chi.Router) {
				internal.Use(auth.RequireAdmin)

				internal.Get("/storage-elements/available", server.handleAvailableElements)
				internal.Post("/files/{id}/location", server.handleSetLocation)

				internal.Post("/finalize", server.handleCreateFinalize)
				internal.Get("/finalize/{txid}", server.handleGetFinalize)
				internal.Post("/finalize/{txid}/advance", server.handleAdvanceFinalize)

				internal.Post("/gc/run", server.handleRunGC)
				internal.Post("/gc/orphan-scan", server.handleOrphanScan)
			})
		})
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
func (server *Server) Close() error { return Error.Wrap(server.http.Close()) }

func (server *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (server *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := server.db.Ping(r.Context()); err != nil {
		web.Error(w, r, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	status := map[string]string{"status": "ready"}
	if err := server.redis.Ping(r.Context()).Err(); err != nil {
		// the cache is an optimization; selection and discovery fall
		// back to the registry without it
		status["warning"] = "redis unavailable"
	}
	web.JSON(w, http.StatusOK, status)
}

func (server *Server) handleAuthKeys(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, http.StatusOK, server.rotator.KeySet().PublicKeys())
}

func (server *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var record stratum.FileRecord
	if err := decodeJSON(r, &record); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if record.ID.IsZero() {
		web.Error(w, r, http.StatusBadRequest, "file_id is required")
		return
	}
	if !record.RetentionPolicy.Valid() {
		web.Error(w, r, http.StatusBadRequest, "invalid retention policy")
		return
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	if err := server.db.CreateFile(r.Context(), &record); err != nil {
		server.writeError(w, r, err)
		return
	}
	if err := server.events.FileCreated(r.Context(), &record); err != nil {
		web.LogError(server.log, r, err)
	}
	web.JSON(w, http.StatusCreated, record)
}

func (server *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, _ := strconv.Atoi(query.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 50
	}

	filter := admindb.FileFilter{
		RetentionPolicy:  stratum.RetentionPolicy(query.Get("retention_policy")),
		StorageElementID: query.Get("storage_element_id"),
		Limit:            pageSize,
		Offset:           (page - 1) * pageSize,
	}
	if query.Get("include_deleted") == "true" {
		if !requireDeletedAccess(w, r) {
			return
		}
		filter.IncludeDeleted = true
	}

	records, total, err := server.db.SearchFiles(r.Context(), filter)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"files":     records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (server *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}
	record, err := server.db.GetFile(r.Context(), id)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	if record.Deleted() {
		if r.URL.Query().Get("include_deleted") != "true" {
			web.Error(w, r, http.StatusGone, "file deleted")
			return
		}
		if !requireDeletedAccess(w, r) {
			return
		}
	}
	web.JSON(w, http.StatusOK, record)
}

// requireDeletedAccess answers 403 and returns false unless the caller
// holds the ADMIN role; soft-deleted records stay hidden otherwise.
func requireDeletedAccess(w http.ResponseWriter, r *http.Request) bool {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil || claims.RequireAdmin() != nil {
		web.Error(w, r, http.StatusForbidden, "include_deleted requires admin role")
		return false
	}
	return true
}

type fileUpdateRequest struct {
	RetentionPolicy *stratum.RetentionPolicy `json:"retention_policy"`
}

func (server *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}
	var req fileUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RetentionPolicy == nil {
		web.Error(w, r, http.StatusBadRequest, "nothing to update")
		return
	}

	if err := server.db.UpdateRetention(r.Context(), id, *req.RetentionPolicy); err != nil {
		server.writeError(w, r, err)
		return
	}
	record, err := server.db.GetFile(r.Context(), id)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	if err := server.events.FileUpdated(r.Context(), record); err != nil {
		web.LogError(server.log, r, err)
	}
	web.JSON(w, http.StatusOK, record)
}

func (server *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}

	record, err := server.db.GetFile(r.Context(), id)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	if record.Deleted() {
		// idempotent: already deleted
		w.WriteHeader(http.StatusNoContent)
		return
	}

	reason := r.URL.Query().Get("deletion_reason")
	if reason == "" {
		reason = admindb.CleanupReasonUserDelete
	}
	if err := server.db.SoftDeleteFile(r.Context(), id, reason); err != nil {
		server.writeError(w, r, err)
		return
	}
	if err := server.db.EnqueueCleanup(r.Context(), &admindb.CleanupItem{
		FileID:           id,
		StorageElementID: record.StorageElementID,
		StoragePath:      record.StoragePath,
		Reason:           reason,
		Priority:         admindb.CleanupPriorityHigh,
	}); err != nil {
		server.writeError(w, r, err)
		return
	}
	if err := server.events.FileDeleted(r.Context(), record, reason); err != nil {
		web.LogError(server.log, r, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) handleListElements(w http.ResponseWriter, r *http.Request) {
	elements, err := server.db.ListElements(r.Context())
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, elements)
}

func (server *Server) handleUpsertElement(w http.ResponseWriter, r *http.Request) {
	var info stratum.StorageElementInfo
	if err := decodeJSON(r, &info); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if info.ID == "" || info.Endpoint == "" {
		web.Error(w, r, http.StatusBadRequest, "element_id and endpoint are required")
		return
	}
	if info.Status == "" {
		info.Status = stratum.StatusInitializing
	}
	if err := server.db.UpsertElement(r.Context(), &info); err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, info)
}

type elementStatusRequest struct {
	Status stratum.StorageStatus `json:"status"`
}

func (server *Server) handleElementStatus(w http.ResponseWriter, r *http.Request) {
	var req elementStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Status.Valid() {
		web.Error(w, r, http.StatusBadRequest, "invalid status")
		return
	}
	if err := server.db.SetElementStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		server.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAvailableElements is the ingester's fallback source of writable
// elements when the capacity cache is unavailable. The mode and
// min_free_bytes parameters narrow the answer; free space is checked
// against the capacity cache when an entry exists and assumed otherwise.
func (server *Server) handleAvailableElements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var mode stratum.Mode
	if raw := query.Get("mode"); raw != "" {
		parsed, err := stratum.ParseMode(raw)
		if err != nil {
			web.Error(w, r, http.StatusBadRequest, "invalid mode")
			return
		}
		mode = parsed
	}
	minFree, err := strconv.ParseInt(query.Get("min_free_bytes"), 10, 64)
	if err != nil {
		minFree = 0
	}

	elements, err := server.db.ListElements(r.Context())
	if err != nil {
		server.writeError(w, r, err)
		return
	}

	available := make([]*stratum.StorageElementInfo, 0, len(elements))
	for _, element := range elements {
		if element.Status != stratum.StatusReady {
			continue
		}
		if !element.Mode.AllowsWrite() {
			continue
		}
		if mode != "" && element.Mode != mode {
			continue
		}
		if minFree > 0 {
			if entry, err := monitor.CachedCapacity(r.Context(), server.redis, element.ID); err == nil && entry.Available < minFree {
				continue
			}
		}
		available = append(available, element)
	}
	web.JSON(w, http.StatusOK, available)
}

type setLocationRequest struct {
	StorageElementID string    `json:"storage_element_id"`
	StoragePath      string    `json:"storage_path"`
	FinalizedAt      time.Time `json:"finalized_at"`
}

func (server *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}
	var req setLocationRequest
	if err := decodeJSON(r, &req); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.StorageElementID == "" || req.StoragePath == "" {
		web.Error(w, r, http.StatusBadRequest, "storage_element_id and storage_path are required")
		return
	}
	if req.FinalizedAt.IsZero() {
		req.FinalizedAt = time.Now().UTC()
	}

	if err := server.db.SetFileLocation(r.Context(), id, req.StorageElementID, req.StoragePath, req.FinalizedAt); err != nil {
		server.writeError(w, r, err)
		return
	}
	record, err := server.db.GetFile(r.Context(), id)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	if err := server.events.FileUpdated(r.Context(), record); err != nil {
		web.LogError(server.log, r, err)
	}
	web.JSON(w, http.StatusOK, record)
}

func (server *Server) handleCreateFinalize(w http.ResponseWriter, r *http.Request) {
	var transaction stratum.FinalizeTransaction
	if err := decodeJSON(r, &transaction); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if transaction.TransactionID == "" || transaction.FileID.IsZero() {
		web.Error(w, r, http.StatusBadRequest, "transaction_id and file_id are required")
		return
	}
	if err := server.db.CreateFinalize(r.Context(), &transaction); err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusCreated, transaction)
}

func (server *Server) handleGetFinalize(w http.ResponseWriter, r *http.Request) {
	transaction, err := server.db.GetFinalize(r.Context(), chi.URLParam(r, "txid"))
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, transaction)
}

type advanceFinalizeRequest struct {
	State    stratum.FinalizeState `json:"state"`
	Checksum string                `json:"checksum"`
	Error    string                `json:"error"`
}

func (server *Server) handleAdvanceFinalize(w http.ResponseWriter, r *http.Request) {
	var req advanceFinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := server.db.AdvanceFinalize(r.Context(), chi.URLParam(r, "txid"), req.State, req.Checksum, req.Error); err != nil {
		server.writeError(w, r, err)
		return
	}
	transaction, err := server.db.GetFinalize(r.Context(), chi.URLParam(r, "txid"))
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, transaction)
}

func (server *Server) handleRunGC(w http.ResponseWriter, r *http.Request) {
	if err := server.collector.RunOnce(r.Context()); err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type orphanScanRequest struct {
	ElementID string           `json:"element_id"`
	FileIDs   []stratum.FileID `json:"file_ids"`
}

// handleOrphanScan takes the caller's listing of what is physically on
// an element and queues removal of the ids the registry does not know.
func (server *Server) handleOrphanScan(w http.ResponseWriter, r *http.Request) {
	var req orphanScanRequest
	if err := decodeJSON(r, &req); err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ElementID == "" {
		web.Error(w, r, http.StatusBadRequest, "element_id is required")
		return
	}
	report, err := server.collector.DetectOrphans(r.Context(), req.ElementID, req.FileIDs)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, report)
}

func (server *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case admindb.ErrNotFound.Has(err):
		web.Error(w, r, http.StatusNotFound, err.Error())
	case admindb.ErrDuplicate.Has(err):
		web.Error(w, r, http.StatusBadRequest, err.Error())
	case admindb.ErrRetention.Has(err):
		web.Error(w, r, http.StatusConflict, err.Error())
	default:
		web.LogError(server.log, r, err)
		web.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(v); err != nil {
		return Error.New("malformed request body: %v", err)
	}
	return nil
}
