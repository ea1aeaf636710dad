// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package server exposes the ingester HTTP API: the upload entry point
// and finalization control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/ingester/finalize"
	"github.com/stratumfs/stratum/ingester/selector"
	"github.com/stratumfs/stratum/pkg/adminclient"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/pkg/web"
)

// Error is the ingester server error class.
var Error = errs.Class("ingester server")

// maxSelectionAttempts bounds the 507-retry loop: an element that
// rejects for space is excluded and the next one tried.
const maxSelectionAttempts = 3

// Config configures the ingester HTTP server.
type Config struct {
	Address  string `help:"address to listen on" default:":8402"`
	SpoolDir string `help:"directory incoming uploads are spooled to" default:""`
}

// Server is the ingester HTTP server.
type Server struct {
	log    *zap.Logger
	config Config

	selector *selector.Selector
	engine   *finalize.Engine
	admin    *adminclient.Client
	dial     func(endpoint string) *seclient.Client
	verifier auth.Verifier

	http     http.Server
	listener net.Listener
}

// New creates the ingester server.
func New(log *zap.Logger, config Config, elementSelector *selector.Selector, engine *finalize.Engine, admin *adminclient.Client, dial func(endpoint string) *seclient.Client, verifier auth.Verifier) (*Server, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	server := &Server{
		log:      log,
		config:   config,
		selector: elementSelector,
		engine:   engine,
		admin:    admin,
		dial:     dial,
		verifier: verifier,
		listener: listener,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(web.RequestID)

	router.Get("/health/live", server.handleLive)
	router.Get("/health/ready", server.handleReady)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		r.With(auth.RequireWrite).Post("/files/upload", server.handleUpload)
		r.With(auth.RequireWrite).Post("/finalize/{id}", server.handleFinalize)
		r.Get("/finalize/status/{txid}", server.handleFinalizeStatus)
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
	if _, err := server.admin.ListElements(r.Context()); err != nil {
		web.Error(w, r, http.StatusServiceUnavailable, "admin unavailable")
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// uploadFields are the metadata fields accepted alongside the file.
type uploadFields struct {
	retention stratum.RetentionPolicy
	ttl       *time.Time
	uploader  string
	filename  string
	content   string
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

	fields := uploadFields{retention: stratum.RetentionTemporary}
	spool, size, err := server.spoolUpload(reader, &fields)
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	if fields.filename == "" {
		web.Error(w, r, http.StatusBadRequest, "filename is required")
		return
	}

	// sequential-fill with retry: an element that turns out full is
	// excluded and the next candidate tried. The retention policy
	// decides the placement mode: temporary files stage on edit
	// elements, permanent ones go straight to rw.
	mode := stratum.ModeForRetention(fields.retention)
	excluded := map[string]bool{}
	for attempt := 0; attempt < maxSelectionAttempts; attempt++ {
		element, err := server.selector.Select(ctx, mode, size, excluded)
		if err != nil {
			if selector.ErrNoAvailableStorage.Has(err) {
				w.Header().Set("Retry-After", "30")
				web.Error(w, r, http.StatusServiceUnavailable, "no storage available")
				return
			}
			server.writeError(w, r, err)
			return
		}

		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			server.writeError(w, r, Error.Wrap(err))
			return
		}

		result, err := server.dial(element.Endpoint).Upload(ctx, seclient.UploadParams{
			OriginalFilename: fields.filename,
			Uploader:         fields.uploader,
			ContentType:      fields.content,
			RetentionPolicy:  fields.retention,
			TTLExpiresAt:     fields.ttl,
			ExpectedSize:     size,
		}, spool)
		if err != nil {
			if seclient.ErrInsufficientStorage.Has(err) {
				server.log.Info("element rejected upload for space",
					zap.String("element_id", element.ID))
				excluded[element.ID] = true
				server.selector.ReportRejection(element.ID)
				continue
			}
			server.writeError(w, r, err)
			return
		}

		record := &stratum.FileRecord{
			ID:               result.FileID,
			OriginalFilename: fields.filename,
			StorageFilename:  result.StorageFilename,
			FileSize:         result.FileSize,
			Checksum:         result.Checksum,
			ContentType:      fields.content,
			RetentionPolicy:  fields.retention,
			TTLExpiresAt:     fields.ttl,
			StorageElementID: element.ID,
			StoragePath:      result.StoragePath,
		}
		if err := server.admin.CreateFile(ctx, record); err != nil {
			// the registry is authoritative; without it the upload does
			// not exist, so undo the element write
			server.log.Error("registry create failed, undoing upload",
				zap.Stringer("file_id", result.FileID), zap.Error(err))
			if deleteErr := server.dial(element.Endpoint).Delete(ctx, result.FileID); deleteErr != nil && !seclient.ErrNotFound.Has(deleteErr) {
				server.log.Warn("upload undo failed", zap.Error(deleteErr))
			}
			server.writeError(w, r, err)
			return
		}

		web.JSON(w, http.StatusCreated, record)
		return
	}

	w.Header().Set("Retry-After", "30")
	web.Error(w, r, http.StatusServiceUnavailable, "no storage available after retries")
}

// spoolUpload writes the file part to a temp file so the upload can be
// retried against another element.
func (server *Server) spoolUpload(reader *multipart.Reader, fields *uploadFields) (*os.File, int64, error) {
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, 0, Error.New("missing file part")
		}

		if part.FormName() != "file" {
			value, _ := io.ReadAll(io.LimitReader(part, 512))
			server.applyField(fields, part.FormName(), string(value))
			continue
		}

		if fields.filename == "" {
			fields.filename = part.FileName()
		}
		if fields.content == "" {
			fields.content = part.Header.Get("Content-Type")
		}

		spool, err := os.CreateTemp(server.config.SpoolDir, "upload-*")
		if err != nil {
			return nil, 0, Error.Wrap(err)
		}
		size, err := io.Copy(spool, part)
		if err != nil {
			_ = spool.Close()
			_ = os.Remove(spool.Name())
			return nil, 0, Error.Wrap(err)
		}
		return spool, size, nil
	}
}

func (server *Server) applyField(fields *uploadFields, name, value string) {
	switch name {
	case "retention_policy":
		if policy, err := stratum.ParseRetentionPolicy(value); err == nil {
			fields.retention = policy
		}
	case "ttl_expires_at":
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			fields.ttl = &ts
		}
	case "uploader":
		fields.uploader = value
	case "original_filename":
		fields.filename = value
	case "content_type":
		fields.content = value
	}
}

type finalizeRequest struct {
	TargetElementID string `json:"target_element_id"`
}

func (server *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return
	}

	var req finalizeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			web.Error(w, r, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	transaction, err := server.engine.Finalize(r.Context(), id, req.TargetElementID)
	if err != nil {
		if transaction != nil {
			// the transaction reached a terminal failure state; report it
			web.JSON(w, http.StatusConflict, transaction)
			return
		}
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, transaction)
}

func (server *Server) handleFinalizeStatus(w http.ResponseWriter, r *http.Request) {
	transaction, err := server.engine.Status(r.Context(), chi.URLParam(r, "txid"))
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, transaction)
}

func (server *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case adminclient.ErrNotFound.Has(err), seclient.ErrNotFound.Has(err):
		web.Error(w, r, http.StatusNotFound, err.Error())
	case adminclient.ErrConflict.Has(err):
		web.Error(w, r, http.StatusConflict, err.Error())
	case finalize.ErrBusy.Has(err):
		w.Header().Set("Retry-After", "10")
		web.Error(w, r, http.StatusServiceUnavailable, "finalization busy")
	case adminclient.ErrUnavailable.Has(err), seclient.ErrUnavailable.Has(err):
		web.LogError(server.log, r, err)
		web.Error(w, r, http.StatusBadGateway, "upstream unavailable")
	default:
		web.LogError(server.log, r, err)
		web.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}
