// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

func CreateEventsTable(dbFilePath string) error {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS update_events(
	id INTEGER PRIMARY KEY,
	correlation_id TEXT NOT NULL DEFAULT '',
	json_string TEXT NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("failed to create update_events table: %w", err)
	}

	return nil
}

func SaveEvent(dbFilePath string, event *UpdateEvent) error {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	_, err = db.Exec("INSERT INTO update_events (correlation_id, json_string) VALUES (?, ?);",
		event.Event.CorrelationId, string(eventJSON))
	if err != nil {
		return fmt.Errorf("failed to insert event into update_events: %w", err)
	}

	return nil
}

func DeleteEvents(dbFilePath string, maxId int) error {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	_, err = db.Exec("DELETE FROM update_events WHERE id <= ?;", maxId)
	if err != nil {
		return fmt.Errorf("failed to delete event from update_events: %w", err)
	}

	return nil
}

// GetEvents returns the most recent events in chronological order along with
// the highest event id seen. A limit of zero or less returns all events.
func GetEvents(dbFilePath string, limit int) ([]UpdateEvent, int, error) {
	return queryEvents(dbFilePath,
		"SELECT id, json_string FROM (SELECT id, json_string FROM update_events ORDER BY id DESC LIMIT ?) ORDER BY id;",
		limitOrAll(limit))
}

// GetSessionEvents returns the events recorded for one update session
func GetSessionEvents(dbFilePath string, correlationId string) ([]UpdateEvent, error) {
	evts, _, err := queryEvents(dbFilePath,
		"SELECT id, json_string FROM update_events WHERE correlation_id = ? ORDER BY id;", correlationId)
	return evts, err
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func queryEvents(dbFilePath string, query string, args ...any) ([]UpdateEvent, int, error) {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to select events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close rows", "error", closeErr)
		}
	}()

	maxId := -1
	var eventsList []UpdateEvent
	for rows.Next() {
		var eventData string
		var id int
		if err := rows.Scan(&id, &eventData); err != nil {
			return nil, -1, fmt.Errorf("failed to scan event data: %w", err)
		}

		var event UpdateEvent
		if err := json.Unmarshal([]byte(eventData), &event); err != nil {
			return nil, -1, fmt.Errorf("failed to unmarshal event data: %w", err)
		}

		if maxId < id {
			maxId = id
		}
		eventsList = append(eventsList, event)
	}

	if err := rows.Err(); err != nil {
		return nil, -1, fmt.Errorf("error iterating over rows: %w", err)
	}

	return eventsList, maxId, nil
}
