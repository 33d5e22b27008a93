// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/foundriesio/fwota/pkg/client"
)

const (
	exitError = 1
	// exitUpdateRefused: the device is busy with another upload, or the
	// update it ran ended FAILED
	exitUpdateRefused = 2
	// exitRestart: serve stopped so its service manager restarts the device
	// software
	exitRestart = 3
)

// DieNotNil prints the error and exits with exitError.
func DieNotNil(err error, message ...string) {
	DieNotNilWithCode(err, exitError, message...)
}

// DieNotNilWithCode prints the error to stderr and exits with exitCode.
// Errors reported by the device get a hint on what to check.
func DieNotNilWithCode(err error, exitCode int, message ...string) {
	if err == nil {
		return
	}
	var sb strings.Builder
	sb.WriteString("ERROR: ")
	if msg := strings.TrimSpace(strings.Join(message, " ")); msg != "" {
		sb.WriteString(msg + ": ")
	}
	sb.WriteString(err.Error())

	var uerr *client.UploadError
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		sb.WriteString("\n  check --user and --password (or FWOTA_PASSWORD)")
	case errors.As(err, &uerr) && uerr.StatusCode >= 500:
		sb.WriteString("\n  the device keeps running its current image; see \"fwota status\"")
	}
	fmt.Fprintln(os.Stderr, sb.String())
	os.Exit(exitCode)
}
