// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package events

import (
	"time"

	"github.com/google/uuid"
)

type EventTypeValue string

const (
	UploadStarted    EventTypeValue = "UploadStarted"
	UploadCompleted  EventTypeValue = "UploadCompleted"
	UploadFailed     EventTypeValue = "UploadFailed"
	RestartScheduled EventTypeValue = "RestartScheduled"
)

type UpdateEventDetails struct {
	CorrelationId string `json:"correlationId"`
	Success       *bool  `json:"success,omitempty"`
	Filename      string `json:"filename,omitempty"`
	Backend       string `json:"backend,omitempty"`
	Bytes         uint64 `json:"bytes"`
	Total         uint64 `json:"total"`
	Details       string `json:"details,omitempty"`
}
type UpdateEventType struct {
	Id      EventTypeValue `json:"id"`
	Version int            `json:"version"`
}
type UpdateEvent struct {
	Id         string             `json:"id"`
	DeviceTime string             `json:"deviceTime"`
	Event      UpdateEventDetails `json:"event"`
	EventType  UpdateEventType    `json:"eventType"`
}

func BoolPointer(b bool) *bool {
	return &b
}

func NewEvent(eventType EventTypeValue, correlationId string, details UpdateEventDetails) *UpdateEvent {
	details.CorrelationId = correlationId
	return &UpdateEvent{
		Id:         uuid.New().String(),
		DeviceTime: time.Now().Format(time.RFC3339),
		Event:      details,
		EventType: UpdateEventType{
			Id:      eventType,
			Version: 0,
		},
	}
}
