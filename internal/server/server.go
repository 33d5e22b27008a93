// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package server exposes the update engine over HTTP: the upload forms and
// endpoints, the status endpoint polled by the forms, the log viewer and
// the metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foundriesio/fwota/internal/logstream"
	"github.com/foundriesio/fwota/internal/sysinfo"
	"github.com/foundriesio/fwota/pkg/ota"
)

const (
	DefaultChunkSize = 4096
	shutdownTimeout  = 5 * time.Second
)

type (
	// RestartHook is told about a restart armed by a successful upload
	RestartHook func(sessionID string, delay time.Duration)

	// InfoFunc reports the image the device will boot next
	InfoFunc func() (*ImageInfo, error)

	Options struct {
		Addr         string
		User         string
		Password     string
		ChunkSize    int
		RestartDelay time.Duration

		Session   *ota.Session
		Restarter *ota.RestartScheduler
		Hub       *logstream.Hub
		Gatherer  prometheus.Gatherer
		Device    sysinfo.Info
		Image     InfoFunc
		OnRestart []RestartHook
	}

	Server struct {
		opts       Options
		auth       *basicAuth
		router     *mux.Router
		httpServer *http.Server
	}

	errorResponse struct {
		Error   string `json:"error"`
		Status  int    `json:"status"`
		Details string `json:"details,omitempty"`
	}
)

func New(opts Options) *Server {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	s := &Server{
		opts:   opts,
		auth:   newBasicAuth(opts.User, opts.Password),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.protect("/update", s.handleForm(uploadForm), "GET")
	s.protect("/update_allow", s.handleForm(allowForm), "GET")
	s.protect("/update", s.handleUpload(false), "POST")
	s.protect("/update_allow", s.handleUpload(true), "POST")
	s.protect("/update_status", s.handleStatus, "GET")
	s.protect("/info", s.handleInfo, "GET")

	if s.opts.Hub != nil {
		s.protect("/logs", s.handleLogs, "GET")
		s.protect("/logs/pause", s.handleLogsPause(true), "GET")
		s.protect("/logs/resume", s.handleLogsPause(false), "GET")
		s.protect("/ws", s.opts.Hub.ServeWs, "GET")
	}

	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

func (s *Server) protect(path string, h http.HandlerFunc, method string) {
	s.router.Handle(path, s.auth.wrap(h)).Methods(method)
}

// Handler returns the router serving all endpoints
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts the server down
// gracefully. A pending restart is not touched.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting update server", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("stopping update server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	writeJSON(w, http.StatusOK, s.opts.Session.Reporter().Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := errorResponse{Error: msg, Status: status}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
