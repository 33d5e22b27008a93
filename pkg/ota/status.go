// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"sync/atomic"
	"time"
)

type (
	// Phase of the update session state machine
	Phase int

	// Snapshot is an immutable copy of the reporter fields
	Snapshot struct {
		SessionID string    `json:"-"`
		Phase     Phase     `json:"-"`
		State     string    `json:"state"`
		Received  uint64    `json:"received"`
		Total     uint64    `json:"total"`
		Message   string    `json:"msg"`
		UpdatedAt time.Time `json:"-"`
	}

	// Reporter publishes the progress of the active session to pollers.
	// Update is called from the upload path only; Snapshot may be called
	// from any goroutine and never blocks the writer.
	Reporter struct {
		current atomic.Pointer[Snapshot]
	}
)

const (
	PhaseIdle Phase = iota
	PhaseReceiving
	PhaseCommitting
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseReceiving:
		return "Receiving"
	case PhaseCommitting:
		return "Committing"
	case PhaseSucceeded:
		return "Succeeded"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StateName is the wire name used by the status endpoint.
func (p Phase) StateName() string {
	switch p {
	case PhaseReceiving:
		return "UPLOADING"
	case PhaseCommitting:
		return "WRITING"
	case PhaseSucceeded:
		return "SUCCESS"
	case PhaseFailed:
		return "FAILED"
	default:
		return "IDLE"
	}
}

// IsTerminal reports whether p ends a session.
func (p Phase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

func NewReporter() *Reporter {
	r := &Reporter{}
	r.current.Store(&Snapshot{Phase: PhaseIdle, State: PhaseIdle.StateName(), UpdatedAt: time.Now()})
	return r
}

func (r *Reporter) Update(sessionID string, phase Phase, received, total uint64, message string) {
	r.current.Store(&Snapshot{
		SessionID: sessionID,
		Phase:     phase,
		State:     phase.StateName(),
		Received:  received,
		Total:     total,
		Message:   message,
		UpdatedAt: time.Now(),
	})
}

func (r *Reporter) Snapshot() Snapshot {
	return *r.current.Load()
}
