//go:build disable_main

// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra/doc"
)

const exitStatusDoc = `

Exit status:
  0  success
  1  error
  2  the device was busy with another upload, or the update failed
  3  serve stopped so the service manager restarts the device software`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage:", os.Args[0], "<path for manpages>")
		os.Exit(exitError)
	}
	dir := os.Args[1]
	DieNotNil(os.MkdirAll(dir, 0o755), "Failed to create", dir)

	rootCmd.Long = rootCmd.Short + exitStatusDoc
	header := &doc.GenManHeader{
		Title:   "FWOTA",
		Section: "1",
		Source:  "fwota " + Commit,
		Manual:  "Firmware update",
	}
	DieNotNil(doc.GenManTree(rootCmd, header, dir), "Failed to generate man pages")
}
