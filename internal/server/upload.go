// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/foundriesio/fwota/pkg/ota"
)

// SHA256Header carries the optional hex digest the image is verified against
const SHA256Header = "X-Firmware-SHA256"

var errNoFilePart = errors.New("no file part in the upload form")

// handleUpload receives a multipart firmware upload. The request body is
// fed to the session in chunks as it arrives; the image is never held in
// memory as a whole unless the session stages it there.
func (s *Server) handleUpload(allowUnknownSize bool) http.HandlerFunc {
	back := uploadForm.Action
	if allowUnknownSize {
		back = allowForm.Action
	}
	return func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "expected a multipart/form-data upload", err)
			return
		}
		part, err := nextFilePart(mr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing firmware file", err)
			return
		}
		defer part.Close()

		var declared uint64
		if r.ContentLength > 0 {
			declared = uint64(r.ContentLength)
		}
		upload, err := s.opts.Session.Start(ota.StartRequest{
			Filename:         part.FileName(),
			DeclaredLength:   declared,
			AllowUnknownSize: allowUnknownSize,
			ExpectedSHA256:   r.Header.Get(SHA256Header),
		})
		if err != nil {
			slog.Warn("upload refused", "remote", r.RemoteAddr, "error", err)
			writeError(w, http.StatusConflict, "update already in progress", err)
			return
		}
		defer upload.Close()

		// The commit must complete once every byte has arrived even if the
		// client goes away while waiting for the result page.
		ctx := context.WithoutCancel(r.Context())
		res, err := pumpChunks(ctx, upload, part, s.opts.ChunkSize)
		if err != nil {
			slog.Error("upload interrupted", "session", upload.ID(), "error", err)
			upload.Close()
			res = s.lastResult()
		}

		page := resultPage{BackToForm: back, ResultState: res.Phase.StateName()}
		if !res.Succeeded() {
			page.Title = "Update Failed"
			page.Message = "Update failed: " + res.Message
			renderHTML(w, http.StatusInternalServerError, resultTemplate, page)
			return
		}
		page.Title = "Update Successful"
		page.Message = "Firmware uploaded successfully. Rebooting now..."
		page.RebootSoon = true
		renderHTML(w, http.StatusOK, resultTemplate, page)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		upload.Close()
		s.scheduleRestart(res.SessionID)
	}
}

func (s *Server) lastResult() ota.Result {
	snap := s.opts.Session.Reporter().Snapshot()
	return ota.Result{
		SessionID: snap.SessionID,
		Phase:     snap.Phase,
		Received:  snap.Received,
		Total:     snap.Total,
		Message:   snap.Message,
	}
}

func (s *Server) scheduleRestart(sessionID string) {
	if s.opts.Restarter == nil {
		slog.Warn("no restarter configured, the new image runs after the next manual restart")
		return
	}
	delay := s.opts.RestartDelay
	if !s.opts.Restarter.Schedule(delay) {
		return
	}
	for _, hook := range s.opts.OnRestart {
		hook(sessionID, delay)
	}
}

// nextFilePart skips plain form fields until the first file part
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// pumpChunks reads src in blocks of size bytes and hands them to the
// upload. One block is read ahead so the last chunk is flagged as final
// exactly, even when the body length is not known up front. Only a clean
// io.EOF from src ends the upload; any other read error, io.ErrUnexpectedEOF
// from a truncated body included, interrupts it.
func pumpChunks(ctx context.Context, u *ota.Upload, src io.Reader, size int) (ota.Result, error) {
	cur, next := make([]byte, size), make([]byte, size)
	n, err := readBlock(src, cur)
	for index := uint64(0); ; index++ {
		if err == io.EOF {
			return u.HandleChunk(ctx, ota.Chunk{Index: index, Data: cur[:n], Final: true})
		}
		if err != nil {
			return ota.Result{}, err
		}
		m, nerr := readBlock(src, next)
		if nerr != nil && nerr != io.EOF {
			return ota.Result{}, nerr
		}
		if nerr == io.EOF && m == 0 {
			return u.HandleChunk(ctx, ota.Chunk{Index: index, Data: cur[:n], Final: true})
		}
		if _, err := u.HandleChunk(ctx, ota.Chunk{Index: index, Data: cur[:n]}); err != nil {
			return ota.Result{}, err
		}
		cur, next = next, cur
		n, err = m, nerr
	}
}

// readBlock fills buf from src. Unlike io.ReadFull it passes the error of
// src through unchanged, so a short last block ends with io.EOF and a body
// cut off early keeps its io.ErrUnexpectedEOF.
func readBlock(src io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := src.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
