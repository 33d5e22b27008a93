// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package events_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/foundriesio/fwota/internal/db"
	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/internal/images"
	"github.com/foundriesio/fwota/pkg/ota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sql.db")
	require.NoError(t, db.InitializeDatabase(path))
	return path
}

func TestRecorder_SessionHistory(t *testing.T) {
	dbPath := newDB(t)
	r := events.NewRecorder(dbPath, func() (string, string) { return "b", "abcd" })

	r.SessionStarted("s1", ota.StartRequest{Filename: "fw-1.bin", DeclaredLength: 100}, ota.BackendDirectFlash)
	r.SessionFinished(ota.Result{SessionID: "s1", Backend: ota.BackendDirectFlash, Phase: ota.PhaseSucceeded,
		Received: 100, Total: 100, Message: "Update OK"})
	r.RestartScheduled("s1", 1500*time.Millisecond)

	r.SessionStarted("s2", ota.StartRequest{Filename: "fw-2.bin", DeclaredLength: 5000}, ota.BackendNone)
	r.SessionFinished(ota.Result{SessionID: "s2", Phase: ota.PhaseFailed, Message: ota.MsgNoSpace, Err: ota.ErrCapacity})

	evts, maxId, err := events.GetEvents(dbPath, 0)
	require.NoError(t, err)
	require.Len(t, evts, 5)
	assert.Equal(t, 5, maxId)
	assert.Equal(t, events.UploadStarted, evts[0].EventType.Id)
	assert.Equal(t, "direct_flash", evts[0].Event.Backend)
	assert.Equal(t, events.UploadCompleted, evts[1].EventType.Id)
	assert.Equal(t, "fw-1.bin", evts[1].Event.Filename)
	require.NotNil(t, evts[1].Event.Success)
	assert.True(t, *evts[1].Event.Success)
	assert.Equal(t, events.RestartScheduled, evts[2].EventType.Id)
	assert.Equal(t, events.UploadFailed, evts[4].EventType.Id)
	assert.False(t, *evts[4].Event.Success)
	assert.Equal(t, ota.ErrCapacity.Error(), evts[4].Event.Details)

	last, _, err := events.GetEvents(dbPath, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "s2", last[0].Event.CorrelationId)
	assert.Equal(t, events.UploadFailed, last[1].EventType.Id)

	s1, err := events.GetSessionEvents(dbPath, "s1")
	require.NoError(t, err)
	assert.Len(t, s1, 3)

	img, err := images.GetCurrentImage(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "fw-1.bin", img.Name)
	assert.Equal(t, "b", img.Slot)
	assert.Equal(t, "abcd", img.Sha256)
	assert.EqualValues(t, 100, img.Length)
	assert.Equal(t, "s1", img.CorrelationId)

	require.NoError(t, events.DeleteEvents(dbPath, 3))
	evts, _, err = events.GetEvents(dbPath, 0)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestImages_CurrentSlot(t *testing.T) {
	dbPath := newDB(t)

	img, err := images.GetCurrentImage(dbPath)
	require.NoError(t, err)
	assert.Equal(t, images.FactoryImageName, img.Name)

	require.NoError(t, images.RegisterInstalled(dbPath, &images.Image{Name: "one", Slot: "b", Length: 1}))
	require.NoError(t, images.RegisterInstalled(dbPath, &images.Image{Name: "two", Slot: "a", Length: 2}))
	require.NoError(t, images.RegisterInstalled(dbPath, &images.Image{Name: "three", Slot: "b", Length: 3}))

	img, err = images.GetCurrentImage(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "three", img.Name)

	all, err := images.ListImages(dbPath)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "two", all[0].Name)
	assert.False(t, all[0].IsCurrent)
	assert.Equal(t, "three", all[1].Name)
	assert.True(t, all[1].IsCurrent)
}
