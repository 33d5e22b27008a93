// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"context"
	"fmt"
	"log/slog"
)

// directFlash passes chunks straight through to the partition writer. It is
// used when the image size is declared up front.
type directFlash struct {
	w    PartitionWriter
	open bool
}

func newDirectFlash(w PartitionWriter, size uint64, expectedSHA256 string) (*directFlash, error) {
	if err := w.Begin(size, expectedSHA256); err != nil {
		return nil, newError(KindIOFailure, MsgBeginFailed, err)
	}
	return &directFlash{w: w, open: true}, nil
}

func (b *directFlash) Kind() BackendKind { return BackendDirectFlash }

func (b *directFlash) Write(p []byte) error {
	n, err := b.w.Write(p)
	if n != len(p) {
		if err == nil {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
		}
		b.Release()
		return newError(KindIOFailure, MsgWriteFailed, err)
	}
	return nil
}

func (b *directFlash) Commit(ctx context.Context, progress ProgressFunc) (string, error) {
	b.open = false
	if err := b.w.End(true); err != nil {
		return "", newError(KindFinalizeFailure, MsgFinalizeFailed, err)
	}
	return "Update OK", nil
}

func (b *directFlash) Release() {
	if !b.open {
		return
	}
	b.open = false
	if err := b.w.End(false); err != nil {
		slog.Debug("failed to abort partition write", "error", err)
	}
}
