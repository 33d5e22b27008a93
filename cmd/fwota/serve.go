// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/internal/logstream"
	"github.com/foundriesio/fwota/pkg/api"
	cfg "github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/ota"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the firmware update server",
		Long: `Run the firmware update server on the device.

The server accepts firmware uploads on /update (Content-Length required) and
/update_allow (unknown length, staged on disk or in memory), reports progress
on /update_status and restarts the device after a successful update.`,
		Run: func(cmd *cobra.Command, args []string) {
			doServe(cmd, loadConfig())
		},
		Args: cobra.NoArgs,
	}
	rootCmd.AddCommand(cmd)
}

func doServe(cmd *cobra.Command, config *cfg.Config) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := logstream.NewHub()
	go hub.Run(ctx)
	slog.SetDefault(slog.New(logstream.NewHandler(logHandler, hub)))

	opts := []api.EngineOpt{api.WithLogHub(hub), api.WithProcessMetrics(true)}
	var exitRequested atomic.Bool
	if len(config.GetRestartCommand()) == 0 {
		opts = append(opts, api.WithRestarter(ota.RestarterFunc(func() error {
			slog.Info("no restart command configured, exiting for the service manager")
			exitRequested.Store(true)
			stop()
			return nil
		})))
	}
	engine, err := api.NewEngine(config, opts...)
	DieNotNil(err, "Failed to start update engine")

	err = engine.Serve(ctx)
	if exitRequested.Load() {
		os.Exit(exitRestart)
	}
	DieNotNil(err, "Update server failed")
}
