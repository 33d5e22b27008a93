// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/pkg/ota"
)

type statusOptions struct {
	deviceOptions
	wait     bool
	interval time.Duration
	timeout  time.Duration
	info     bool
}

func init() {
	opts := statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of the current or last update of a device",
		Run: func(cmd *cobra.Command, args []string) {
			doStatus(cmd, &opts)
		},
		Args: cobra.NoArgs,
	}
	opts.addFlags(cmd)
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "Poll until the update succeeds or fails")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "Polling interval used with --wait")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	cmd.Flags().BoolVar(&opts.info, "info", false, "Also show the device identity and the image it boots")
	rootCmd.AddCommand(cmd)
}

func doStatus(cmd *cobra.Command, opts *statusOptions) {
	c := opts.client()

	if opts.info {
		info, err := c.Info()
		DieNotNil(err, "Failed to get device information")
		fmt.Printf("Device:   %s\n", info.Device.String())
		if info.Device.Ip != "" {
			fmt.Printf("Address:  %s (%s)\n", info.Device.Ip, info.Device.Mac)
		}
		if info.Image != nil {
			fmt.Printf("Boot:     slot %s\n", info.Image.BootSlot)
			if img := info.Image.Current; img != nil {
				fmt.Printf("Image:    %s %s\n", img.Name, img.Sha256)
			}
		}
	}

	var snap *ota.Snapshot
	var err error
	if opts.wait {
		ctx, cancel := interruptContext(cmd.Context(), opts.timeout)
		defer cancel()
		snap, err = c.WaitForResult(ctx, opts.interval)
	} else {
		snap, err = c.Status()
	}
	DieNotNil(err, "Failed to get update status")
	printSnapshot(snap)
	if snap.State == ota.PhaseFailed.StateName() {
		DieNotNilWithCode(fmt.Errorf("update failed: %s", snap.Message), exitUpdateRefused)
	}
}
