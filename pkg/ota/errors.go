// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"errors"
	"fmt"
)

// Kind classifies why an update session failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindCapacity
	KindStorageUnavailable
	KindIOFailure
	KindFinalizeFailure
	KindRejected
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindIOFailure:
		return "io_failure"
	case KindFinalizeFailure:
		return "finalize_failure"
	case KindRejected:
		return "rejected"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

var (
	ErrCapacity           = errors.New("capacity exceeded")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIOFailure          = errors.New("i/o failure")
	ErrFinalizeFailure    = errors.New("finalize failure")
	ErrRejected           = errors.New("upload rejected")
	ErrBusy               = errors.New("update already in progress")
	ErrSessionClosed      = errors.New("upload session is no longer active")
)

// Operator-visible failure messages reported through the status endpoint.
const (
	MsgNoSpace          = "not enough free space"
	MsgMissingLength    = "missing length: upload rejected"
	MsgStorage          = "storage unavailable"
	MsgWriteFailed      = "write failed"
	MsgFSWriteFailed    = "filesystem write failed"
	MsgBufferOverflow   = "buffer overflow"
	MsgFinalizeFailed   = "finalize failed"
	MsgStagedWriteFail  = "write failed during staged commit"
	MsgBeginFailed      = "partition begin failed"
	MsgTempFileFailed   = "cannot open temp file"
	MsgTempFileReadFail = "cannot open temp file for read"
)

// Error is the terminal failure of an update session.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the failure kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindCapacity:
		return target == ErrCapacity
	case KindStorageUnavailable:
		return target == ErrStorageUnavailable
	case KindIOFailure:
		return target == ErrIOFailure
	case KindFinalizeFailure:
		return target == ErrFinalizeFailure
	case KindRejected:
		return target == ErrRejected
	case KindBusy:
		return target == ErrBusy
	}
	return false
}

// GetKind returns the failure kind of err, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
