// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/pkg/api"
)

type historyOptions struct {
	limit     int
	session   string
	clear     bool
	showSlots bool
}

func init() {
	opts := historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the update events recorded on this device",
		Run: func(cmd *cobra.Command, args []string) {
			doHistory(&opts)
		},
		Args: cobra.NoArgs,
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Number of most recent events to show, 0 for all")
	cmd.Flags().StringVar(&opts.session, "session", "", "Only show the events of this update session")
	cmd.Flags().BoolVar(&opts.clear, "clear", false, "Delete the shown events and every older one")
	cmd.Flags().BoolVar(&opts.showSlots, "slots", false, "Show the images held by the partition slots")
	rootCmd.AddCommand(cmd)
}

func doHistory(opts *historyOptions) {
	if opts.clear && opts.session != "" {
		DieNotNil(fmt.Errorf("--clear cannot be combined with --session"))
	}
	config := loadConfig()

	if opts.showSlots {
		imgs, err := api.InstalledImages(config)
		DieNotNil(err, "Failed to list installed images")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tCURRENT\tNAME\tSIZE\tSHA256\tINSTALLED")
		for _, img := range imgs {
			fmt.Fprintf(w, "%s\t%v\t%s\t%d\t%s\t%s\n", img.Slot, img.IsCurrent, img.Name, img.Length,
				img.Sha256, img.InstalledAt.Format("2006-01-02 15:04:05"))
		}
		DieNotNil(w.Flush())
		return
	}

	var evts []api.UpdateEvent
	var maxId int
	var err error
	if opts.session != "" {
		evts, err = api.SessionHistory(config, opts.session)
	} else {
		evts, maxId, err = api.History(config, opts.limit)
	}
	DieNotNil(err, "Failed to read update events")

	if len(evts) == 0 {
		fmt.Println("No update events recorded")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tSESSION\tBACKEND\tBYTES\tDETAILS")
	for _, e := range evts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", e.DeviceTime, e.EventType.Id, e.Event.CorrelationId,
			e.Event.Backend, e.Event.Bytes, e.Event.Total, e.Event.Details)
	}
	DieNotNil(w.Flush())

	if opts.clear {
		DieNotNil(api.ClearHistory(config, maxId), "Failed to delete update events")
		fmt.Println("Deleted the events shown and all older ones")
	}
}
