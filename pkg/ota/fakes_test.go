// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// fakePartition records everything written between Begin and End.
type fakePartition struct {
	capacity  uint64
	size      uint64
	digest    string
	data      bytes.Buffer
	open      bool
	committed []byte

	begins  int
	aborts  int
	commits int

	failBegin     error
	failEnd       error
	shortWriteAt  int // byte offset at which Write stops accepting data, -1 disables
	onWrite       func()
	writtenBefore []uint64
}

func newFakePartition(capacity uint64) *fakePartition {
	return &fakePartition{capacity: capacity, shortWriteAt: -1}
}

func (p *fakePartition) FreeSpace() uint64 { return p.capacity }

func (p *fakePartition) Begin(size uint64, expectedSHA256 string) error {
	p.begins++
	if p.failBegin != nil {
		return p.failBegin
	}
	if size > p.capacity {
		return fmt.Errorf("image of %d bytes does not fit", size)
	}
	p.size = size
	p.digest = expectedSHA256
	p.data.Reset()
	p.open = true
	return nil
}

func (p *fakePartition) Write(b []byte) (int, error) {
	if !p.open {
		return 0, errors.New("partition not open")
	}
	if p.onWrite != nil {
		p.onWrite()
	}
	p.writtenBefore = append(p.writtenBefore, uint64(p.data.Len()))
	n := len(b)
	if p.shortWriteAt >= 0 && p.data.Len()+n > p.shortWriteAt {
		n = max(p.shortWriteAt-p.data.Len(), 0)
	}
	if room := int(p.size) - p.data.Len(); n > room {
		n = room
	}
	p.data.Write(b[:n])
	return n, nil
}

func (p *fakePartition) End(verify bool) error {
	if !p.open {
		return errors.New("partition not open")
	}
	p.open = false
	if !verify {
		p.aborts++
		return nil
	}
	if p.failEnd != nil {
		return p.failEnd
	}
	if p.digest != "" {
		sum := sha256.Sum256(p.data.Bytes())
		if hex.EncodeToString(sum[:]) != p.digest {
			return errors.New("sha256 mismatch")
		}
	}
	p.commits++
	p.committed = bytes.Clone(p.data.Bytes())
	return nil
}

// fakeVolume serves an in-memory filesystem and can simulate mount failures.
type fakeVolume struct {
	fs         afero.Fs
	mountFails int
	formatErr  error
	mounts     int
	formats    int
}

func newFakeVolume() *fakeVolume {
	return &fakeVolume{fs: afero.NewMemMapFs()}
}

func (v *fakeVolume) Mount() (afero.Fs, error) {
	v.mounts++
	if v.mountFails > 0 {
		v.mountFails--
		return nil, errors.New("mount failed")
	}
	return v.fs, nil
}

func (v *fakeVolume) Format() error {
	v.formats++
	if v.formatErr != nil {
		return v.formatErr
	}
	v.fs = afero.NewMemMapFs()
	return nil
}

func (v *fakeVolume) staged() bool {
	ok, _ := afero.Exists(v.fs, StagedFilePath)
	return ok
}

// limitedFs fails file writes once limit bytes have been written.
type limitedFs struct {
	afero.Fs
	limit int
}

type limitedFile struct {
	afero.File
	left *int
}

func (l *limitedFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := l.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &limitedFile{File: f, left: &l.limit}, nil
}

func (f *limitedFile) Write(p []byte) (int, error) {
	if len(p) > *f.left {
		n, _ := f.File.Write(p[:*f.left])
		*f.left = 0
		return n, errors.New("no space left on device")
	}
	*f.left -= len(p)
	return f.File.Write(p)
}

// fakeAllocator hands out buffers up to a limit and tracks what is still held.
type fakeAllocator struct {
	limit       int
	outstanding int
	allocs      int
	frees       int
}

func (a *fakeAllocator) Allocate(n int) ([]byte, error) {
	if n > a.limit-a.outstanding {
		return nil, fmt.Errorf("cannot allocate %d bytes", n)
	}
	a.allocs++
	a.outstanding += n
	return make([]byte, n), nil
}

func (a *fakeAllocator) Free(buf []byte) {
	a.frees++
	a.outstanding -= len(buf)
}

// recordingListener keeps the session boundaries it observed.
type recordingListener struct {
	started  []BackendKind
	finished []Result
}

func (l *recordingListener) SessionStarted(_ string, _ StartRequest, backend BackendKind) {
	l.started = append(l.started, backend)
}

func (l *recordingListener) SessionFinished(res Result) {
	l.finished = append(l.finished, res)
}

// blockingListener holds SessionFinished until release is closed.
type blockingListener struct {
	entered chan struct{}
	release chan struct{}
}

func (l *blockingListener) SessionStarted(string, StartRequest, BackendKind) {}

func (l *blockingListener) SessionFinished(Result) {
	close(l.entered)
	<-l.release
}
