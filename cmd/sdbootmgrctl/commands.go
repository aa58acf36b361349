// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/canonical/sdbootmgr/bootmgr"
)

// requireEnabled tells write commands whether to proceed. A disabled
// manager is not an error; the command reports it and exits cleanly.
func requireEnabled() bool {
	if bootmgr.Enabled() {
		return true
	}
	status("sdbootmgr is disabled, leaving the boot configuration alone")
	return false
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Synchronize boot entries with the installed kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !requireEnabled() {
				return nil
			}
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			report, err := bootmgr.Sync(espPath)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the boot configuration matches the recorded intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drifts, err := bootmgr.CheckConsistency(espPath)
			if err != nil {
				return err
			}
			if len(drifts) == 0 {
				success("boot configuration matches the recorded intent")
				return nil
			}
			for _, drift := range drifts {
				warning("%s", drift)
			}
			fail("found %d inconsistencies, run `sdbootmgrctl repair` to fix them", len(drifts))
			os.Exit(1)
			return nil
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Recreate missing records and reinstall the boot loader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			report, err := bootmgr.Repair(espPath)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}
}

func entriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List the boot menu entries the loader knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := bootmgr.ListLoaderEntries(espPath)
			if err != nil {
				return err
			}
			// Best effort; without loader variables no entry is marked
			// as the booted one.
			booted, _ := bootmgr.FirmwareSelectedEntry()
			for _, entry := range entries {
				marker := " "
				if entry.IsDefault {
					marker = "*"
				}
				title := entry.ShowTitle
				if title == "" {
					title = entry.Title
				}
				if booted != "" && entry.ID == booted {
					title += " (booted)"
				}
				fmt.Printf("%s %-40s %s\n", marker, entry.ID, title)
			}
			if intended, err := bootmgr.IntendedDefault(); err == nil && intended == bootmgr.NoEnforce {
				status("default entry enforcement is off")
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}
