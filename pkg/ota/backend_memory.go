// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"context"
	"fmt"
	"log/slog"
)

// stagedMemory buffers an upload of unknown size in a fixed RAM region.
// The region is allocated once at the ceiling size; a write that would
// move the cursor past it fails the session.
type stagedMemory struct {
	alloc    Allocator
	buf      []byte
	pos      int
	w        PartitionWriter
	digest   string
	flashing bool
}

func newStagedMemory(alloc Allocator, ceiling int, w PartitionWriter, expectedSHA256 string) (*stagedMemory, error) {
	buf, err := alloc.Allocate(ceiling)
	if err != nil {
		return nil, newError(KindStorageUnavailable, MsgStorage, err)
	}
	return &stagedMemory{
		alloc:  alloc,
		buf:    buf,
		w:      w,
		digest: expectedSHA256,
	}, nil
}

func (b *stagedMemory) Kind() BackendKind { return BackendStagedMemory }

func (b *stagedMemory) Write(p []byte) error {
	if b.buf == nil {
		return newError(KindIOFailure, MsgBufferOverflow, fmt.Errorf("staging buffer released"))
	}
	if b.pos+len(p) > len(b.buf) {
		err := fmt.Errorf("%d bytes buffered, chunk of %d exceeds ceiling of %d", b.pos, len(p), len(b.buf))
		b.free()
		return newError(KindIOFailure, MsgBufferOverflow, err)
	}
	copy(b.buf[b.pos:], p)
	b.pos += len(p)
	return nil
}

func (b *stagedMemory) Commit(ctx context.Context, progress ProgressFunc) (string, error) {
	size := uint64(b.pos)
	progress(0, size)
	if err := b.w.Begin(size, b.digest); err != nil {
		return "", newError(KindIOFailure, MsgBeginFailed, err)
	}
	b.flashing = true
	n, err := b.w.Write(b.buf[:b.pos])
	progress(uint64(n), size)
	if n != b.pos {
		if err == nil {
			err = fmt.Errorf("short write: %d of %d bytes", n, b.pos)
		}
		return "", newError(KindIOFailure, MsgStagedWriteFail, err)
	}
	b.flashing = false
	if err := b.w.End(true); err != nil {
		return "", newError(KindFinalizeFailure, MsgFinalizeFailed, err)
	}
	slog.Info("buffered image committed", "bytes", size)
	return "Update OK from memory buffer", nil
}

func (b *stagedMemory) Release() {
	if b.flashing {
		b.flashing = false
		if err := b.w.End(false); err != nil {
			slog.Debug("failed to abort partition write", "error", err)
		}
	}
	b.free()
}

func (b *stagedMemory) free() {
	if b.buf == nil {
		return
	}
	b.alloc.Free(b.buf)
	b.buf = nil
	b.pos = 0
}
