// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/foundriesio/fwota/internal/images"
	"github.com/foundriesio/fwota/pkg/ota"
)

type (
	// InstalledFunc reports the slot and digest of the image just committed
	InstalledFunc func() (slot string, sha256 string)

	// Recorder persists the boundaries of update sessions into the history
	// database. Failures to record are logged and never affect the update.
	Recorder struct {
		dbFilePath string
		installed  InstalledFunc

		mu        sync.Mutex
		filenames map[string]string
	}
)

func NewRecorder(dbFilePath string, installed InstalledFunc) *Recorder {
	return &Recorder{
		dbFilePath: dbFilePath,
		installed:  installed,
		filenames:  make(map[string]string),
	}
}

func (r *Recorder) SessionStarted(id string, req ota.StartRequest, backend ota.BackendKind) {
	r.mu.Lock()
	r.filenames[id] = req.Filename
	r.mu.Unlock()
	r.save(NewEvent(UploadStarted, id, UpdateEventDetails{
		Filename: req.Filename,
		Backend:  backend.String(),
		Total:    req.DeclaredLength,
	}))
}

func (r *Recorder) SessionFinished(res ota.Result) {
	r.mu.Lock()
	filename := r.filenames[res.SessionID]
	delete(r.filenames, res.SessionID)
	r.mu.Unlock()

	eventType := UploadCompleted
	if !res.Succeeded() {
		eventType = UploadFailed
	}
	details := UpdateEventDetails{
		Success:  BoolPointer(res.Succeeded()),
		Filename: filename,
		Backend:  res.Backend.String(),
		Bytes:    res.Received,
		Total:    res.Total,
		Details:  res.Message,
	}
	if res.Err != nil {
		details.Details = res.Err.Error()
	}
	r.save(NewEvent(eventType, res.SessionID, details))

	if res.Succeeded() && r.installed != nil {
		slot, digest := r.installed()
		img := &images.Image{
			Name:          filename,
			Sha256:        digest,
			Length:        res.Received,
			Slot:          slot,
			CorrelationId: res.SessionID,
		}
		if err := images.RegisterInstalled(r.dbFilePath, img); err != nil {
			slog.Error("failed to record installed image", "session", res.SessionID, "error", err)
		}
	}
}

// RestartScheduled records the restart armed after a successful update
func (r *Recorder) RestartScheduled(sessionID string, delay time.Duration) {
	r.save(NewEvent(RestartScheduled, sessionID, UpdateEventDetails{
		Details: "restart in " + delay.String(),
	}))
}

func (r *Recorder) save(evt *UpdateEvent) {
	if err := SaveEvent(r.dbFilePath, evt); err != nil {
		slog.Error("failed to record update event", "event", evt.EventType.Id, "session", evt.Event.CorrelationId, "error", err)
	}
}
