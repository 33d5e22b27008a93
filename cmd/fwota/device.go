// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/pkg/client"
	"github.com/foundriesio/fwota/pkg/ota"
)

const passwordEnv = "FWOTA_PASSWORD"

// deviceOptions are shared by the commands talking to a device over HTTP
type deviceOptions struct {
	device   string
	user     string
	password string
}

func (o *deviceOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.device, "device", "d", "", "Address of the device, host[:port] or URL")
	cmd.Flags().StringVarP(&o.user, "user", "u", "admin", "User of the device update endpoints")
	cmd.Flags().StringVarP(&o.password, "password", "p", "",
		"Password of the device update endpoints; read from "+passwordEnv+" if not set")
	_ = cmd.MarkFlagRequired("device")
}

func (o *deviceOptions) client() *client.DeviceClient {
	password := o.password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	c, err := client.NewDeviceClient(o.device, o.user, password)
	DieNotNil(err, "Failed to create device client")
	return c
}

// interruptContext is cancelled on Ctrl-C and, if timeout is set, after it
func interruptContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt)
	if timeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

func printSnapshot(snap *ota.Snapshot) {
	total := "?"
	if snap.Total > 0 {
		total = fmt.Sprint(snap.Total)
	}
	fmt.Printf("State:    %s\n", snap.State)
	fmt.Printf("Progress: %d/%s bytes\n", snap.Received, total)
	if snap.Message != "" {
		fmt.Printf("Message:  %s\n", snap.Message)
	}
}
