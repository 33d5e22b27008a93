// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/pkg/client"
	"github.com/foundriesio/fwota/pkg/ota"
)

type pushOptions struct {
	deviceOptions
	allowUnknownSize bool
	sha256           string
	verify           bool
	noProgress       bool
	timeout          time.Duration
}

func init() {
	opts := pushOptions{}
	cmd := &cobra.Command{
		Use:   "push <firmware>",
		Short: "Upload a firmware image to a device",
		Long: `Upload a firmware image to a device running "fwota serve".

The image is written into the partition the device boots next. The device
restarts shortly after a successful upload.`,
		Run: func(cmd *cobra.Command, args []string) {
			doPush(cmd, args[0], &opts)
		},
		Args: cobra.ExactArgs(1),
	}
	opts.addFlags(cmd)
	cmd.Flags().BoolVar(&opts.allowUnknownSize, "allow-unknown-size", false,
		"Stream the image without a Content-Length; the device stages it before writing. Use only for testing.")
	cmd.Flags().StringVar(&opts.sha256, "sha256", "", "Hex SHA-256 digest the device verifies the image against")
	cmd.Flags().BoolVar(&opts.verify, "verify", false, "Compute the SHA-256 digest of the image and have the device verify it")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Do not show the upload progress bar")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up if the upload does not complete in time (0 means no limit)")
	cmd.MarkFlagsMutuallyExclusive("sha256", "verify")
	rootCmd.AddCommand(cmd)
}

func doPush(cmd *cobra.Command, path string, opts *pushOptions) {
	info, err := os.Stat(path)
	DieNotNil(err, "Failed to read firmware image")

	digest := opts.sha256
	if opts.verify {
		digest, err = fileDigest(path)
		DieNotNil(err, "Failed to compute image digest")
	}

	c := opts.client()
	pushOpts := client.PushOptions{
		AllowUnknownSize: opts.allowUnknownSize,
		SHA256:           digest,
	}
	var bar *progressbar.ProgressBar
	if !opts.noProgress {
		bar = progressbar.DefaultBytes(info.Size(), "uploading")
		pushOpts.Progress = bar
	}

	ctx, cancel := interruptContext(cmd.Context(), opts.timeout)
	defer cancel()
	err = c.Push(ctx, path, pushOpts)
	if bar != nil {
		_ = bar.Finish()
	}
	if errors.Is(err, ota.ErrBusy) {
		DieNotNilWithCode(err, exitUpdateRefused, "Another update is in progress on the device")
	}
	DieNotNil(err, "Failed to update device")

	fmt.Printf("Firmware %s installed on %s, the device restarts shortly\n", path, c.BaseURL.Host)
	if digest != "" {
		fmt.Printf("SHA-256:  %s\n", digest)
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
