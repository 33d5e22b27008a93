// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package volume

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const probeFile = ".fwota-probe"

// Dir is a staging volume kept in a directory of the host filesystem.
// Mount fails when the directory is missing or not writable, which is the
// condition Format repairs.
type Dir struct {
	path string
	base afero.Fs
}

func NewDir(path string) *Dir {
	return &Dir{path: path, base: afero.NewOsFs()}
}

// NewDirFs builds a volume on top of an arbitrary filesystem
func NewDirFs(base afero.Fs, path string) *Dir {
	return &Dir{path: path, base: base}
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Mount() (afero.Fs, error) {
	info, err := d.base.Stat(d.path)
	if err != nil {
		return nil, errors.Wrap(err, "staging volume not present")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("staging volume %s is not a directory", d.path)
	}
	probe := filepath.Join(d.path, probeFile)
	if err := afero.WriteFile(d.base, probe, []byte("ok"), 0o600); err != nil {
		return nil, errors.Wrap(err, "staging volume not writable")
	}
	if err := d.base.Remove(probe); err != nil {
		return nil, errors.Wrap(err, "staging volume not writable")
	}
	slog.Debug("staging volume mounted", "path", d.path)
	return afero.NewBasePathFs(d.base, d.path), nil
}

// Format wipes the volume and recreates it empty
func (d *Dir) Format() error {
	slog.Warn("formatting staging volume", "path", d.path)
	if err := d.base.RemoveAll(d.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to wipe staging volume")
	}
	if err := d.base.MkdirAll(d.path, 0o700); err != nil {
		return errors.Wrap(err, "failed to create staging volume")
	}
	return nil
}
