// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"context"

	"github.com/spf13/afero"
)

type (
	// PartitionWriter writes an image into the firmware partition the
	// bootloader will run next. Begin must be given the final image size
	// (or an upper bound of it) before any byte is written.
	PartitionWriter interface {
		// FreeSpace returns the capacity available for a new image
		FreeSpace() uint64
		// Begin prepares the partition for an image of at most size bytes.
		// A non-empty expectedSHA256 is checked by End(true).
		Begin(size uint64, expectedSHA256 string) error
		// Write appends p and returns the number of bytes accepted
		Write(p []byte) (int, error)
		// End finalizes and verifies the image if verify is set, otherwise
		// it aborts the write and discards what was written.
		End(verify bool) error
	}

	// StagingVolume is the small persistent filesystem used to stage
	// uploads of unknown size.
	StagingVolume interface {
		Mount() (afero.Fs, error)
		Format() error
	}

	// Allocator hands out the large contiguous buffer used for RAM staging
	Allocator interface {
		Allocate(n int) ([]byte, error)
		Free(buf []byte)
	}

	// BackendKind identifies the storage destination of a session
	BackendKind int

	// ProgressFunc is called while staged data is copied into the partition
	ProgressFunc func(written, total uint64)

	// Backend receives the chunks of one upload. Write and Commit return an
	// *Error on failure. Release is idempotent and must be called on every
	// path once the session is done with the backend.
	Backend interface {
		Kind() BackendKind
		Write(p []byte) error
		Commit(ctx context.Context, progress ProgressFunc) (string, error)
		Release()
	}
)

const (
	BackendNone BackendKind = iota
	BackendDirectFlash
	BackendStagedFile
	BackendStagedMemory
)

func (k BackendKind) String() string {
	switch k {
	case BackendDirectFlash:
		return "direct_flash"
	case BackendStagedFile:
		return "staged_file"
	case BackendStagedMemory:
		return "staged_memory"
	default:
		return "none"
	}
}
