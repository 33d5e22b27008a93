// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"log/slog"
	"os"

	"github.com/foundriesio/fioconfig/sotatoml"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	cfg "github.com/foundriesio/fwota/pkg/config"
)

var (
	verbose     bool
	configPaths []string
	// logHandler is the console handler installed by the root command
	logHandler slog.Handler

	rootCmd = &cobra.Command{
		Use:   "fwota",
		Short: "Over-the-air firmware update server for devices and its client",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			opts := &slog.HandlerOptions{Level: level}
			// Human readable output on a terminal, JSON for the journal
			if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
				logHandler = slog.NewTextHandler(os.Stderr, opts)
			} else {
				logHandler = slog.NewJSONHandler(os.Stderr, opts)
			}
			slog.SetDefault(slog.New(logHandler))
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the device configuration. Only the commands running on
// the device need it.
func loadConfig() *cfg.Config {
	config, err := cfg.NewConfig(configPaths)
	DieNotNil(err, "Failed to load configuration")
	return config
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "cfg-dirs", "c",
		sotatoml.DEF_CONFIG_ORDER, "A comma-separated list of paths to search for .toml configuration files")
}
