// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func image(size int) []byte {
	b := make([]byte, size)
	r := rand.New(rand.NewSource(int64(size)))
	r.Read(b)
	return b
}

// upload pushes data through a new session in chunks of chunkSize bytes and
// closes the upload once the final chunk is handled.
func upload(t *testing.T, s *Session, req StartRequest, data []byte, chunkSize int) Result {
	t.Helper()
	u, err := s.Start(req)
	require.NoError(t, err)
	defer u.Close()

	var res Result
	var index uint64
	for off := 0; ; off += chunkSize {
		end := min(off+chunkSize, len(data))
		c := Chunk{Index: index, Data: data[off:end], Final: end == len(data)}
		res, err = u.HandleChunk(context.Background(), c)
		require.NoError(t, err)
		index++
		if c.Final {
			break
		}
	}
	return res
}

func TestSession_DirectFlashScenario(t *testing.T) {
	p := newFakePartition(2_000_000)
	l := &recordingListener{}
	s := NewSession(Options{Partition: p, Listeners: []Listener{l}}, nil)
	data := image(1_000_000)

	res := upload(t, s, StartRequest{Filename: "fw.bin", DeclaredLength: uint64(len(data))}, data, 10_000)
	require.True(t, res.Succeeded(), res.Message)
	assert.Equal(t, BackendDirectFlash, res.Backend)
	assert.Equal(t, "Update OK", res.Message)
	assert.EqualValues(t, 1_000_000, res.Received)
	assert.Equal(t, data, p.committed)
	assert.Len(t, p.writtenBefore, 100)

	snap := s.Reporter().Snapshot()
	assert.Equal(t, "SUCCESS", snap.State)
	assert.EqualValues(t, 1_000_000, snap.Received)
	assert.EqualValues(t, 1_000_000, snap.Total)
	assert.Equal(t, PhaseIdle, s.Phase())

	require.Len(t, l.started, 1)
	assert.Equal(t, BackendDirectFlash, l.started[0])
	require.Len(t, l.finished, 1)
	assert.True(t, l.finished[0].Succeeded())
}

func TestSession_RoundTripArbitraryChunks(t *testing.T) {
	data := image(70_001)
	for _, chunk := range []int{1, 3, 511, 1024, 4096, 65_536, 70_001, 100_000} {
		p := newFakePartition(100_000)
		s := NewSession(Options{Partition: p}, nil)
		res := upload(t, s, StartRequest{DeclaredLength: uint64(len(data))}, data, chunk)
		require.True(t, res.Succeeded(), "chunk size %d: %s", chunk, res.Message)
		assert.Equal(t, data, p.committed, "chunk size %d", chunk)
	}

	for _, chunk := range []int{7, 1000, 65_536} {
		v := newFakeVolume()
		p := newFakePartition(100_000)
		s := NewSession(Options{Partition: p, Volume: v, BlockSize: 333}, nil)
		res := upload(t, s, StartRequest{AllowUnknownSize: true}, data, chunk)
		require.True(t, res.Succeeded(), "chunk size %d: %s", chunk, res.Message)
		assert.Equal(t, BackendStagedFile, res.Backend)
		assert.Equal(t, data, p.committed, "chunk size %d", chunk)

		a := &fakeAllocator{limit: 1 << 20}
		p = newFakePartition(100_000)
		s = NewSession(Options{Partition: p, Allocator: a, MemoryCeiling: 80_000}, nil)
		res = upload(t, s, StartRequest{AllowUnknownSize: true}, data, chunk)
		require.True(t, res.Succeeded(), "chunk size %d: %s", chunk, res.Message)
		assert.Equal(t, BackendStagedMemory, res.Backend)
		assert.Equal(t, data, p.committed, "chunk size %d", chunk)
		assert.Zero(t, a.outstanding)
	}
}

func TestSession_CapacityPrecheck(t *testing.T) {
	p := newFakePartition(1_000_000)
	s := NewSession(Options{Partition: p}, nil)

	u, err := s.Start(StartRequest{DeclaredLength: 5_000_000})
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, s.Phase())
	snap := s.Reporter().Snapshot()
	assert.Equal(t, "FAILED", snap.State)
	assert.Equal(t, MsgNoSpace, snap.Message)

	for i := 0; i < 10; i++ {
		_, err := u.HandleChunk(context.Background(), Chunk{Index: uint64(i), Data: make([]byte, 4096)})
		require.NoError(t, err)
	}
	res, err := u.HandleChunk(context.Background(), Chunk{Index: 10, Final: true})
	require.NoError(t, err)
	u.Close()

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, MsgNoSpace, res.Message)
	assert.True(t, errors.Is(res.Err, ErrCapacity))
	assert.Zero(t, res.Received)
	assert.Zero(t, p.begins)
	assert.Empty(t, p.writtenBefore)
}

func TestSession_MissingLengthRejected(t *testing.T) {
	p := newFakePartition(1_000_000)
	v := newFakeVolume()
	s := NewSession(Options{Partition: p, Volume: v}, nil)

	res := upload(t, s, StartRequest{}, image(100), 10)
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, MsgMissingLength, res.Message)
	assert.ErrorIs(t, res.Err, ErrRejected)
	assert.Zero(t, v.mounts)
	assert.Zero(t, p.begins)
}

func TestSession_BackendSelection(t *testing.T) {
	tests := []struct {
		name       string
		volume     bool
		mountFails int
		formatErr  error
		ram        bool
		expected   BackendKind
	}{
		{name: "filesystem available", volume: true, ram: true, expected: BackendStagedFile},
		{name: "filesystem after format", volume: true, mountFails: 1, ram: false, expected: BackendStagedFile},
		{name: "format fails, ram available", volume: true, mountFails: 1, formatErr: errors.New("bad flash"), ram: true, expected: BackendStagedMemory},
		{name: "remount fails, ram available", volume: true, mountFails: 2, ram: true, expected: BackendStagedMemory},
		{name: "no volume, ram available", ram: true, expected: BackendStagedMemory},
		{name: "nothing available", volume: true, mountFails: 2, expected: BackendNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := Options{
				Partition:            newFakePartition(1 << 20),
				MemoryCeiling:        1024,
				FormatOnMountFailure: true,
			}
			var v *fakeVolume
			if tc.volume {
				v = newFakeVolume()
				v.mountFails = tc.mountFails
				v.formatErr = tc.formatErr
				opts.Volume = v
			}
			a := &fakeAllocator{}
			if tc.ram {
				a.limit = 4096
			}
			opts.Allocator = a

			s := NewSession(opts, nil)
			u, err := s.Start(StartRequest{AllowUnknownSize: true})
			require.NoError(t, err)
			res, err := u.Finish(context.Background())
			require.NoError(t, err)
			u.Close()

			assert.Equal(t, tc.expected, res.Backend)
			if tc.expected == BackendNone {
				assert.Equal(t, PhaseFailed, res.Phase)
				assert.Equal(t, MsgStorage, res.Message)
				assert.ErrorIs(t, res.Err, ErrStorageUnavailable)
			}
			assert.Zero(t, a.outstanding)
			if v != nil {
				assert.False(t, v.staged())
			}
		})
	}
}

func TestSession_NoFormatWhenDisabled(t *testing.T) {
	v := newFakeVolume()
	v.mountFails = 1
	a := &fakeAllocator{limit: 4096}
	s := NewSession(Options{Partition: newFakePartition(4096), Volume: v, Allocator: a, MemoryCeiling: 1024}, nil)

	u, err := s.Start(StartRequest{AllowUnknownSize: true})
	require.NoError(t, err)
	defer u.Close()
	assert.Zero(t, v.formats)
	assert.Equal(t, 1, v.mounts)
	assert.Equal(t, 1, a.allocs)
}

func TestSession_StagedFileScenario(t *testing.T) {
	data := image(3_145_728)
	v := newFakeVolume()
	p := newFakePartition(4 << 20)

	var progress []uint64
	l := &recordingListener{}
	s := NewSession(Options{Partition: p, Volume: v, Listeners: []Listener{l}}, nil)
	p.onWrite = func() {
		progress = append(progress, s.Reporter().Snapshot().Received)
	}

	res := upload(t, s, StartRequest{AllowUnknownSize: true}, data, 65_536)
	require.True(t, res.Succeeded(), res.Message)
	assert.Equal(t, BackendStagedFile, res.Backend)
	assert.Equal(t, "Update OK from staged file", res.Message)
	assert.EqualValues(t, 3_145_728, res.Received)
	assert.EqualValues(t, 3_145_728, res.Total)
	assert.Equal(t, data, p.committed)
	assert.False(t, v.staged())

	// committed in blocks with the counter restarted from zero
	require.Len(t, progress, 3_145_728/DefaultBlockSize)
	assert.Zero(t, progress[0])
	for i, received := range progress {
		assert.Equal(t, p.writtenBefore[i], received)
	}
}

func TestSession_StagedFileCommitFailureRemovesTempFile(t *testing.T) {
	data := image(10_000)

	v := newFakeVolume()
	p := newFakePartition(1 << 20)
	p.failEnd = errors.New("bad image")
	s := NewSession(Options{Partition: p, Volume: v}, nil)
	res := upload(t, s, StartRequest{AllowUnknownSize: true}, data, 4096)
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, MsgFinalizeFailed, res.Message)
	assert.ErrorIs(t, res.Err, ErrFinalizeFailure)
	assert.False(t, v.staged())

	v = newFakeVolume()
	p = newFakePartition(5_000)
	s = NewSession(Options{Partition: p, Volume: v}, nil)
	res = upload(t, s, StartRequest{AllowUnknownSize: true}, data, 4096)
	assert.Equal(t, MsgNoSpace, res.Message)
	assert.ErrorIs(t, res.Err, ErrCapacity)
	assert.Zero(t, p.begins)
	assert.False(t, v.staged())

	v = newFakeVolume()
	p = newFakePartition(1 << 20)
	p.shortWriteAt = 5_000
	s = NewSession(Options{Partition: p, Volume: v}, nil)
	res = upload(t, s, StartRequest{AllowUnknownSize: true}, data, 4096)
	assert.Equal(t, MsgStagedWriteFail, res.Message)
	assert.Equal(t, 1, p.aborts)
	assert.False(t, v.staged())
}

func TestSession_StagedFileWriteFailure(t *testing.T) {
	v := newFakeVolume()
	v.fs = &limitedFs{Fs: v.fs, limit: 6_000}
	p := newFakePartition(1 << 20)
	s := NewSession(Options{Partition: p, Volume: v}, nil)

	res := upload(t, s, StartRequest{AllowUnknownSize: true}, image(20_000), 4096)
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, MsgFSWriteFailed, res.Message)
	assert.ErrorIs(t, res.Err, ErrIOFailure)
	assert.EqualValues(t, 4096, res.Received)
	assert.Zero(t, p.begins)
	assert.False(t, v.staged())
}

func TestSession_MemoryOverflowAtExactChunk(t *testing.T) {
	a := &fakeAllocator{limit: 1 << 20}
	p := newFakePartition(1 << 20)
	s := NewSession(Options{Partition: p, Allocator: a, MemoryCeiling: 10_000}, nil)

	u, err := s.Start(StartRequest{AllowUnknownSize: true})
	require.NoError(t, err)
	defer u.Close()

	chunk := make([]byte, 3_000)
	for i := 0; i < 3; i++ {
		_, err := u.HandleChunk(context.Background(), Chunk{Index: uint64(i), Data: chunk})
		require.NoError(t, err)
		require.Equal(t, PhaseReceiving, s.Phase())
	}
	_, err = u.HandleChunk(context.Background(), Chunk{Index: 3, Data: chunk})
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, s.Phase())
	assert.Zero(t, a.outstanding)

	res, err := u.HandleChunk(context.Background(), Chunk{Index: 4, Data: chunk, Final: true})
	require.NoError(t, err)
	assert.Equal(t, MsgBufferOverflow, res.Message)
	assert.EqualValues(t, 9_000, res.Received)
	assert.Zero(t, p.begins)
}

func TestSession_MemoryExactCeilingFits(t *testing.T) {
	a := &fakeAllocator{limit: 1 << 20}
	p := newFakePartition(1 << 20)
	s := NewSession(Options{Partition: p, Allocator: a, MemoryCeiling: 8_192}, nil)

	data := image(8_192)
	res := upload(t, s, StartRequest{AllowUnknownSize: true}, data, 4096)
	require.True(t, res.Succeeded(), res.Message)
	assert.Equal(t, "Update OK from memory buffer", res.Message)
	assert.Equal(t, data, p.committed)
	assert.Zero(t, a.outstanding)
}

func TestSession_DirectFlashFailures(t *testing.T) {
	data := image(10_000)

	p := newFakePartition(1 << 20)
	p.shortWriteAt = 5_000
	s := NewSession(Options{Partition: p}, nil)
	res := upload(t, s, StartRequest{DeclaredLength: uint64(len(data))}, data, 4096)
	assert.Equal(t, MsgWriteFailed, res.Message)
	assert.EqualValues(t, 4096, res.Received)
	assert.Equal(t, 1, p.aborts)
	assert.Zero(t, p.commits)

	p = newFakePartition(1 << 20)
	p.failEnd = errors.New("bad image")
	s = NewSession(Options{Partition: p}, nil)
	res = upload(t, s, StartRequest{DeclaredLength: uint64(len(data))}, data, 4096)
	assert.Equal(t, MsgFinalizeFailed, res.Message)
	assert.Equal(t, KindFinalizeFailure, GetKind(res.Err))

	p = newFakePartition(1 << 20)
	p.failBegin = errors.New("partition busy")
	s = NewSession(Options{Partition: p}, nil)
	res = upload(t, s, StartRequest{DeclaredLength: uint64(len(data))}, data, 4096)
	assert.Equal(t, MsgBeginFailed, res.Message)
	assert.Zero(t, res.Received)
}

func TestSession_ExpectedDigest(t *testing.T) {
	data := image(5_000)
	sum := sha256.Sum256(data)

	p := newFakePartition(1 << 20)
	s := NewSession(Options{Partition: p}, nil)
	res := upload(t, s, StartRequest{DeclaredLength: 5_000, ExpectedSHA256: hex.EncodeToString(sum[:])}, data, 1000)
	assert.True(t, res.Succeeded(), res.Message)

	a := &fakeAllocator{limit: 1 << 20}
	s = NewSession(Options{Partition: p, Allocator: a, MemoryCeiling: 8_192}, nil)
	res = upload(t, s, StartRequest{AllowUnknownSize: true, ExpectedSHA256: "00"}, data, 1000)
	assert.Equal(t, MsgFinalizeFailed, res.Message)
	assert.Zero(t, a.outstanding)
}

func TestSession_CleanRestartAfterTerminalState(t *testing.T) {
	v := newFakeVolume()
	a := &fakeAllocator{limit: 1 << 20}
	p := newFakePartition(1 << 20)
	s := NewSession(Options{Partition: p, Volume: v, Allocator: a, MemoryCeiling: 4096}, nil)

	// a staged file upload that is never finished leaves a temp file behind
	u, err := s.Start(StartRequest{AllowUnknownSize: true})
	require.NoError(t, err)
	require.NoError(t, u.Write(image(1000)))
	assert.True(t, v.staged())
	u.Close()
	assert.False(t, v.staged())
	assert.Equal(t, "FAILED", s.Reporter().Snapshot().State)

	// a memory overflow
	v.mountFails = 1
	res := upload(t, s, StartRequest{AllowUnknownSize: true}, image(5000), 1000)
	assert.Equal(t, MsgBufferOverflow, res.Message)
	assert.Zero(t, a.outstanding)

	u, err = s.Start(StartRequest{DeclaredLength: 100})
	require.NoError(t, err)
	defer u.Close()
	snap := s.Reporter().Snapshot()
	assert.Equal(t, "UPLOADING", snap.State)
	assert.Zero(t, snap.Received)
	assert.EqualValues(t, 100, snap.Total)
	assert.Empty(t, snap.Message)
	assert.False(t, v.staged())
	assert.Zero(t, a.outstanding)
}

func TestSession_Busy(t *testing.T) {
	s := NewSession(Options{Partition: newFakePartition(1 << 20)}, nil)
	u, err := s.Start(StartRequest{DeclaredLength: 10})
	require.NoError(t, err)

	_, err = s.Start(StartRequest{DeclaredLength: 10})
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, KindBusy, GetKind(err))

	u.Close()
	u2, err := s.Start(StartRequest{DeclaredLength: 10})
	require.NoError(t, err)
	defer u2.Close()

	// the stale handle no longer drives the session
	assert.ErrorIs(t, u.Write([]byte("x")), ErrSessionClosed)
	_, err = u.Finish(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Empty(t, u.ID())
	assert.NotEmpty(t, u2.ID())
}

func TestSession_AbortReleasesPartition(t *testing.T) {
	p := newFakePartition(1 << 20)
	l := &recordingListener{}
	s := NewSession(Options{Partition: p, Listeners: []Listener{l}}, nil)

	u, err := s.Start(StartRequest{DeclaredLength: 1000})
	require.NoError(t, err)
	require.NoError(t, u.Write(image(100)))
	u.Close()

	assert.Equal(t, 1, p.aborts)
	assert.Zero(t, p.commits)
	require.Len(t, l.finished, 1)
	assert.Equal(t, msgAborted, l.finished[0].Message)
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestSession_ListenerSeesFailedStart(t *testing.T) {
	l := &recordingListener{}
	s := NewSession(Options{Partition: newFakePartition(10), Listeners: []Listener{l}}, nil)

	res := upload(t, s, StartRequest{DeclaredLength: 11}, image(11), 11)
	assert.Equal(t, PhaseFailed, res.Phase)
	require.Len(t, l.started, 1)
	assert.Equal(t, BackendNone, l.started[0])
	require.Len(t, l.finished, 1)
	assert.Equal(t, MsgNoSpace, l.finished[0].Message)
}

func TestSession_ListenersRunOutsideLock(t *testing.T) {
	l := &blockingListener{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession(Options{Partition: newFakePartition(1 << 20), Listeners: []Listener{l}}, nil)
	data := image(100)

	u, err := s.Start(StartRequest{DeclaredLength: uint64(len(data))})
	require.NoError(t, err)
	done := make(chan Result)
	go func() {
		res, _ := u.HandleChunk(context.Background(), Chunk{Data: data, Final: true})
		done <- res
	}()
	<-l.entered

	phase := make(chan Phase)
	go func() { phase <- s.Phase() }()
	select {
	case p := <-phase:
		assert.Equal(t, PhaseSucceeded, p)
	case <-time.After(2 * time.Second):
		t.Fatal("Phase blocked while a listener was running")
	}

	close(l.release)
	res := <-done
	assert.True(t, res.Succeeded(), res.Message)
	u.Close()
	assert.Equal(t, PhaseIdle, s.Phase())
}
