// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package server exposes the query module's read API over the local
// cache, proxying downloads to the owning storage element.
package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/admin/discovery"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/pkg/web"
	"github.com/stratumfs/stratum/query/cache"
)

// Error is the query server error class.
var Error = errs.Class("query server")

// Config configures the query HTTP server.
type Config struct {
	Address string `help:"address to listen on" default:":8403"`
}

// Server is the query HTTP server.
type Server struct {
	log *zap.Logger

	db       *cache.DB
	redis    redis.UniversalClient
	dial     func(endpoint string) *seclient.Client
	verifier auth.Verifier

	http     http.Server
	listener net.Listener
}

// New creates the query server.
func New(log *zap.Logger, config Config, db *cache.DB, redisClient redis.UniversalClient, dial func(endpoint string) *seclient.Client, verifier auth.Verifier) (*Server, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	server := &Server{
		log:      log,
		db:       db,
		redis:    redisClient,
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

		r.Get("/files", server.handleList)
		r.Get("/files/{id}", server.handleGet)
		r.Get("/files/{id}/download", server.handleDownload)
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
		web.Error(w, r, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	if err := server.redis.Ping(r.Context()).Err(); err != nil {
		web.Error(w, r, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (server *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := server.db.List(r.Context(), limit, offset)
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	total, err := server.db.Count(r.Context())
	if err != nil {
		server.writeError(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"files":  entries,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (server *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, ok := server.lookup(w, r)
	if !ok {
		return
	}
	web.JSON(w, http.StatusOK, entry)
}

func (server *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	entry, ok := server.lookup(w, r)
	if !ok {
		return
	}

	endpoint, err := server.elementEndpoint(r.Context(), entry.StorageElementID)
	if err != nil {
		server.writeError(w, r, err)
		return
	}

	reader, err := server.dial(endpoint).Download(r.Context(), entry.FileID)
	if err != nil {
		if seclient.ErrNotFound.Has(err) {
			web.Error(w, r, http.StatusNotFound, "file bytes not found on element")
			return
		}
		server.writeError(w, r, err)
		return
	}
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.FileSize, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": entry.OriginalFilename}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

// lookup fetches the cache entry, answering 404/410 itself. The second
// return is false when a response was already written.
func (server *Server) lookup(w http.ResponseWriter, r *http.Request) (*cache.Entry, bool) {
	id, err := stratum.FileIDFromString(chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid file id")
		return nil, false
	}

	entry, err := server.db.Get(r.Context(), id)
	if err != nil {
		server.writeError(w, r, err)
		return nil, false
	}
	if entry.Deleted() {
		web.Error(w, r, http.StatusGone, "file deleted")
		return nil, false
	}
	return entry, true
}

// elementEndpoint resolves an element id through the published registry.
func (server *Server) elementEndpoint(ctx context.Context, elementID string) (string, error) {
	payload, err := server.redis.Get(ctx, discovery.ConfigKey).Bytes()
	if err != nil {
		return "", Error.New("element registry unavailable: %v", err)
	}
	elements, err := discovery.ElementsFromConfig(payload)
	if err != nil {
		return "", Error.Wrap(err)
	}
	for _, element := range elements {
		if element.ID == elementID {
			return element.Endpoint, nil
		}
	}
	return "", Error.New("element %s not in registry", elementID)
}

func (server *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case cache.ErrNotFound.Has(err):
		web.Error(w, r, http.StatusNotFound, "file not found")
	case seclient.ErrUnavailable.Has(err):
		web.LogError(server.log, r, err)
		web.Error(w, r, http.StatusBadGateway, "storage element unavailable")
	default:
		web.LogError(server.log, r, err)
		web.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}
