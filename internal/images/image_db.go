// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package images

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// FactoryImageName is reported when no image was ever installed through the
// update engine.
const FactoryImageName = "factory image"

// Image is a firmware image installed into one of the partition slots
type Image struct {
	Name          string    `json:"name"`
	Sha256        string    `json:"sha256,omitempty"`
	Length        uint64    `json:"length"`
	Slot          string    `json:"slot,omitempty"`
	CorrelationId string    `json:"correlation_id,omitempty"`
	IsCurrent     bool      `json:"is_current"`
	InstalledAt   time.Time `json:"installed_at"`
}

func CreateImagesTable(dbFilePath string) error {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS installed_images(
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	sha256 TEXT NOT NULL DEFAULT '',
	length INTEGER NOT NULL DEFAULT 0,
	slot TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	is_current INTEGER NOT NULL CHECK (is_current IN (0,1)) DEFAULT 0,
	installed_at INTEGER NOT NULL DEFAULT 0
);`)
	if err != nil {
		return fmt.Errorf("failed to create installed_images table: %w", err)
	}

	return nil
}

// RegisterInstalled records img as the image the device boots next
func RegisterInstalled(dbFilePath string, img *Image) error {
	slog.Debug("saving installed image", "name", img.Name, "slot", img.Slot, "correlation id", img.CorrelationId)
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// unset 'current' on all images, a slot holds the latest image only
	if _, err = tx.Exec("UPDATE installed_images SET is_current = 0"); err != nil {
		return fmt.Errorf("failed to update installed images: %w", err)
	}
	if _, err = tx.Exec("DELETE FROM installed_images WHERE slot = ?", img.Slot); err != nil {
		return fmt.Errorf("failed to drop replaced image: %w", err)
	}
	installedAt := img.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now()
	}
	_, err = tx.Exec(
		"INSERT INTO installed_images (name, sha256, length, slot, correlation_id, is_current, installed_at) VALUES (?,?,?,?,?,?,?);",
		img.Name,
		img.Sha256,
		img.Length,
		img.Slot,
		img.CorrelationId,
		true,
		installedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save installed image: %w", err)
	}
	return tx.Commit()
}

// GetCurrentImage returns the image selected for boot. The factory image is
// returned when nothing was installed yet.
func GetCurrentImage(dbFilePath string) (*Image, error) {
	imgs, err := queryImages(dbFilePath, "WHERE is_current = 1")
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return &Image{Name: FactoryImageName, IsCurrent: true}, nil
	}
	return &imgs[0], nil
}

// ListImages returns the images held by the partition slots
func ListImages(dbFilePath string) ([]Image, error) {
	return queryImages(dbFilePath, "")
}

func queryImages(dbFilePath string, where string) ([]Image, error) {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT name, sha256, length, slot, correlation_id, is_current, installed_at FROM installed_images " +
		where + " ORDER BY slot;")
	if err != nil {
		return nil, fmt.Errorf("failed to select installed_images: %w", err)
	}
	defer rows.Close()

	var imgs []Image
	for rows.Next() {
		var img Image
		var installedAt int64
		if err = rows.Scan(&img.Name, &img.Sha256, &img.Length, &img.Slot, &img.CorrelationId, &img.IsCurrent, &installedAt); err != nil {
			return nil, fmt.Errorf("failed to scan installed image: %w", err)
		}
		img.InstalledAt = time.Unix(installedAt, 0)
		imgs = append(imgs, img)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return imgs, nil
}
