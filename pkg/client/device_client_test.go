// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/fwota/internal/server"
	"github.com/foundriesio/fwota/internal/volume"
	"github.com/foundriesio/fwota/pkg/ota"
	"github.com/foundriesio/fwota/pkg/partition"
)

type device struct {
	url     string
	part    *partition.Writer
	session *ota.Session
}

func newDevice(t *testing.T) *device {
	t.Helper()
	dir := t.TempDir()
	pw, err := partition.New(filepath.Join(dir, "partition"), 256*1024)
	require.NoError(t, err)
	session := ota.NewSession(ota.Options{
		Partition:            pw,
		Volume:               volume.NewDir(filepath.Join(dir, "staging")),
		FormatOnMountFailure: true,
	}, nil)
	srv := server.New(server.Options{
		User:      "admin",
		Password:  "secret",
		ChunkSize: 512,
		Session:   session,
		Image: func() (*server.ImageInfo, error) {
			return &server.ImageInfo{BootSlot: string(pw.BootSlot())}, nil
		},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &device{url: ts.URL, part: pw, session: session}
}

func writeImage(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789abcdef"), size/16)
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestNewDeviceClient(t *testing.T) {
	c, err := NewDeviceClient("192.168.1.20:8080", "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:8080", c.BaseURL.String())

	c, err = NewDeviceClient("https://device.local", "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, "https", c.BaseURL.Scheme)

	_, err = NewDeviceClient("http://", "admin", "secret")
	assert.Error(t, err)
}

func TestDeviceClient_PushKnownSize(t *testing.T) {
	dev := newDevice(t)
	path, data := writeImage(t, 64*1024)
	c, err := NewDeviceClient(dev.url, "admin", "secret")
	require.NoError(t, err)

	var progress bytes.Buffer
	sum := sha256.Sum256(data)
	require.NoError(t, c.Push(context.Background(), path, PushOptions{
		SHA256:   hex.EncodeToString(sum[:]),
		Progress: &progress,
	}))
	assert.Equal(t, len(data), progress.Len())

	b, err := os.ReadFile(dev.part.ImagePath(partition.SlotB))
	require.NoError(t, err)
	assert.Equal(t, data, b)

	snap, err := c.WaitForResult(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", snap.State)
	assert.EqualValues(t, len(data), snap.Received)

	info, err := c.Info()
	require.NoError(t, err)
	require.NotNil(t, info.Image)
	assert.Equal(t, "b", info.Image.BootSlot)
}

func TestDeviceClient_PushUnknownSize(t *testing.T) {
	dev := newDevice(t)
	path, data := writeImage(t, 10*1024)
	c, err := NewDeviceClient(dev.url, "admin", "secret")
	require.NoError(t, err)

	require.NoError(t, c.Push(context.Background(), path, PushOptions{AllowUnknownSize: true}))
	b, err := os.ReadFile(dev.part.ImagePath(partition.SlotB))
	require.NoError(t, err)
	assert.Equal(t, data, b)
}

func TestDeviceClient_Failures(t *testing.T) {
	dev := newDevice(t)
	path, _ := writeImage(t, 1024)

	c, err := NewDeviceClient(dev.url, "admin", "wrong")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Push(context.Background(), path, PushOptions{}), ErrUnauthorized)
	_, err = c.Status()
	assert.ErrorIs(t, err, ErrUnauthorized)

	c, err = NewDeviceClient(dev.url, "admin", "secret")
	require.NoError(t, err)
	err = c.Push(context.Background(), path, PushOptions{SHA256: strings.Repeat("f", 64)})
	var uerr *UploadError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, 500, uerr.StatusCode)
	assert.Equal(t, ota.MsgFinalizeFailed, uerr.Message)

	u, err := dev.session.Start(ota.StartRequest{DeclaredLength: 10})
	require.NoError(t, err)
	defer u.Close()
	err = c.Push(context.Background(), path, PushOptions{})
	assert.ErrorIs(t, err, ota.ErrBusy)
}
