// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"github.com/foundriesio/fwota/internal/db"
	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/internal/images"
	"github.com/foundriesio/fwota/pkg/config"
)

type (
	UpdateEvent = events.UpdateEvent
	Image       = images.Image
)

// History returns the latest limit update events, oldest first, and the id
// to pass to ClearHistory to delete them. A limit of 0 returns all events.
func History(cfg *config.Config, limit int) ([]UpdateEvent, int, error) {
	if err := db.InitializeDatabase(cfg.GetDBPath()); err != nil {
		return nil, -1, err
	}
	return events.GetEvents(cfg.GetDBPath(), limit)
}

func SessionHistory(cfg *config.Config, sessionID string) ([]UpdateEvent, error) {
	if err := db.InitializeDatabase(cfg.GetDBPath()); err != nil {
		return nil, err
	}
	return events.GetSessionEvents(cfg.GetDBPath(), sessionID)
}

// ClearHistory deletes the events up to and including maxId
func ClearHistory(cfg *config.Config, maxId int) error {
	return events.DeleteEvents(cfg.GetDBPath(), maxId)
}

// InstalledImages lists the images held by the partition slots
func InstalledImages(cfg *config.Config) ([]Image, error) {
	if err := db.InitializeDatabase(cfg.GetDBPath()); err != nil {
		return nil, err
	}
	return images.ListImages(cfg.GetDBPath())
}

func CurrentImage(cfg *config.Config) (*Image, error) {
	if err := db.InitializeDatabase(cfg.GetDBPath()); err != nil {
		return nil, err
	}
	return images.GetCurrentImage(cfg.GetDBPath())
}
