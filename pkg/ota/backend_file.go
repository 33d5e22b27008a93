// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/afero"
)

// StagedFilePath is the well-known location of the staged image on the
// staging volume.
const StagedFilePath = "/update.bin"

// stagedFile buffers an upload of unknown size into a temp file and copies
// it into the partition once the size is known.
type stagedFile struct {
	fs        afero.Fs
	f         afero.File
	w         PartitionWriter
	digest    string
	blockSize int
	flashing  bool
}

func newStagedFile(fsys afero.Fs, w PartitionWriter, blockSize int, expectedSHA256 string) (*stagedFile, error) {
	if exists, _ := afero.Exists(fsys, StagedFilePath); exists {
		if err := fsys.Remove(StagedFilePath); err != nil {
			return nil, newError(KindStorageUnavailable, MsgTempFileFailed, err)
		}
	}
	f, err := fsys.OpenFile(StagedFilePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, newError(KindStorageUnavailable, MsgTempFileFailed, err)
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &stagedFile{
		fs:        fsys,
		f:         f,
		w:         w,
		digest:    expectedSHA256,
		blockSize: blockSize,
	}, nil
}

func (b *stagedFile) Kind() BackendKind { return BackendStagedFile }

func (b *stagedFile) Write(p []byte) error {
	if b.f == nil {
		return newError(KindIOFailure, MsgFSWriteFailed, errors.New("temp file is closed"))
	}
	n, err := b.f.Write(p)
	if n != len(p) || err != nil {
		if err == nil {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
		}
		b.closeFile()
		return newError(KindIOFailure, MsgFSWriteFailed, err)
	}
	return nil
}

func (b *stagedFile) Commit(ctx context.Context, progress ProgressFunc) (string, error) {
	b.closeFile()

	src, err := b.fs.Open(StagedFilePath)
	if err != nil {
		return "", newError(KindIOFailure, MsgTempFileReadFail, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", newError(KindIOFailure, MsgTempFileReadFail, err)
	}
	size := uint64(info.Size())
	if free := b.w.FreeSpace(); size > free {
		return "", newError(KindCapacity, MsgNoSpace,
			fmt.Errorf("staged image is %d bytes, %d available", size, free))
	}
	if err := b.w.Begin(size, b.digest); err != nil {
		return "", newError(KindIOFailure, MsgBeginFailed, err)
	}
	b.flashing = true
	progress(0, size)

	buf := make([]byte, b.blockSize)
	var written uint64
	for {
		if err := ctx.Err(); err != nil {
			return "", newError(KindIOFailure, MsgStagedWriteFail, err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := b.w.Write(buf[:n])
			written += uint64(wn)
			progress(written, size)
			if wn != n {
				if werr == nil {
					werr = fmt.Errorf("short write: %d of %d bytes", wn, n)
				}
				return "", newError(KindIOFailure, MsgStagedWriteFail, werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return "", newError(KindIOFailure, MsgStagedWriteFail, rerr)
		}
	}

	b.flashing = false
	if err := b.w.End(true); err != nil {
		return "", newError(KindFinalizeFailure, MsgFinalizeFailed, err)
	}
	slog.Info("staged image committed", "bytes", size)
	return "Update OK from staged file", nil
}

func (b *stagedFile) Release() {
	b.closeFile()
	if b.flashing {
		b.flashing = false
		if err := b.w.End(false); err != nil {
			slog.Debug("failed to abort partition write", "error", err)
		}
	}
	if b.fs == nil {
		return
	}
	if err := b.fs.Remove(StagedFilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove staged image", "path", StagedFilePath, "error", err)
	}
	b.fs = nil
}

func (b *stagedFile) closeFile() {
	if b.f == nil {
		return
	}
	if err := b.f.Close(); err != nil {
		slog.Debug("failed to close staged image", "error", err)
	}
	b.f = nil
}
