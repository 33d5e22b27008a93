// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package partition implements a firmware partition writer on top of two
// image slots in a directory. New images are always written into the slot
// the device is not running from; a verified commit points the boot marker
// at that slot.
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"

	bootMarker = "boot"
	imageExt   = ".img"
	partExt    = ".part"
)

var (
	ErrInProgress     = errors.New("an image write is already in progress")
	ErrNotStarted     = errors.New("no image write in progress")
	ErrTooLarge       = errors.New("image exceeds partition capacity")
	ErrEmptyImage     = errors.New("no image data was written")
	ErrDigestMismatch = errors.New("image digest mismatch")
)

// Writer is a two slot firmware partition rooted at a directory
type Writer struct {
	mu       sync.Mutex
	dir      string
	capacity uint64

	f        *os.File
	slot     Slot
	size     uint64
	written  uint64
	hash     hash.Hash
	expected string

	lastSlot   Slot
	lastDigest string
}

func New(dir string, capacity uint64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create partition directory %s", dir)
	}
	return &Writer{dir: dir, capacity: capacity}, nil
}

func (s Slot) Other() Slot {
	if s == SlotB {
		return SlotA
	}
	return SlotB
}

// BootSlot returns the slot the bootloader will run next
func (w *Writer) BootSlot() Slot {
	b, err := os.ReadFile(filepath.Join(w.dir, bootMarker))
	if err != nil {
		return SlotA
	}
	if Slot(strings.TrimSpace(string(b))) == SlotB {
		return SlotB
	}
	return SlotA
}

// ImagePath returns the location of the image stored in slot
func (w *Writer) ImagePath(slot Slot) string {
	return filepath.Join(w.dir, string(slot)+imageExt)
}

// Installed returns the slot and digest of the last image committed by this
// writer. The digest is empty when nothing was committed yet.
func (w *Writer) Installed() (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.lastSlot), w.lastDigest
}

func (w *Writer) FreeSpace() uint64 {
	return w.capacity
}

func (w *Writer) Begin(size uint64, expectedSHA256 string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		return ErrInProgress
	}
	if size > w.capacity {
		return errors.Wrapf(ErrTooLarge, "%d bytes requested, capacity is %d", size, w.capacity)
	}
	slot := w.BootSlot().Other()
	f, err := os.OpenFile(w.partPath(slot), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open image slot")
	}
	w.f = f
	w.slot = slot
	w.size = size
	w.written = 0
	w.hash = sha256.New()
	w.expected = strings.ToLower(expectedSHA256)
	slog.Debug("partition write started", "slot", slot, "size", size)
	return nil
}

// Write accepts data up to the size given to Begin. Data beyond it is
// refused with a short count.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, ErrNotStarted
	}
	chunk := p
	if room := w.size - w.written; uint64(len(chunk)) > room {
		chunk = chunk[:room]
	}
	n, err := w.f.Write(chunk)
	w.hash.Write(chunk[:n])
	w.written += uint64(n)
	if err != nil {
		return n, errors.Wrap(err, "failed to write image slot")
	}
	if n < len(p) {
		return n, errors.Wrapf(ErrTooLarge, "%d bytes beyond the declared size", len(p)-n)
	}
	return n, nil
}

func (w *Writer) End(verify bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrNotStarted
	}
	f := w.f
	part := w.partPath(w.slot)
	w.f = nil

	if !verify {
		f.Close()
		if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to discard image")
		}
		slog.Debug("partition write aborted", "slot", w.slot, "written", w.written)
		return nil
	}

	err := w.verify(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "failed to close image slot")
	}
	if err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, w.ImagePath(w.slot)); err != nil {
		return errors.Wrap(err, "failed to install image")
	}
	if err := writeFileSync(filepath.Join(w.dir, bootMarker), []byte(string(w.slot)+"\n")); err != nil {
		return errors.Wrap(err, "failed to update boot marker")
	}
	w.lastSlot = w.slot
	w.lastDigest = hex.EncodeToString(w.hash.Sum(nil))
	slog.Info("firmware image installed", "slot", w.slot, "bytes", w.written, "sha256", w.lastDigest)
	return nil
}

func (w *Writer) verify(f *os.File) error {
	if w.written == 0 {
		return ErrEmptyImage
	}
	if w.expected != "" {
		if digest := hex.EncodeToString(w.hash.Sum(nil)); digest != w.expected {
			return errors.Wrapf(ErrDigestMismatch, "expected %s, got %s", w.expected, digest)
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync image slot")
	}
	return nil
}

func (w *Writer) partPath(slot Slot) string {
	return filepath.Join(w.dir, string(slot)+partExt)
}

func (w *Writer) String() string {
	return fmt.Sprintf("partition(%s, %d bytes)", w.dir, w.capacity)
}

func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
