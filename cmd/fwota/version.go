// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/internal/sysinfo"
)

var Commit string

func init() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display version of this tool",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Commit)
			if verbose {
				fmt.Println(sysinfo.Collect(sysinfo.OSReleasePath))
			}
		},
		Args: cobra.NoArgs,
	}
	rootCmd.AddCommand(cmd)
}
