// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/canonical/sdbootmgr/bootmgr"
	"github.com/canonical/sdbootmgr/logging"
)

// Version of the tool, replaced at link time by packaging.
var Version = "1.2.0"

var espPath string

func main() {
	var verbosity int

	rootCmd := &cobra.Command{
		Use:   "sdbootmgrctl",
		Short: "Keep the systemd-boot menu in step with the installed kernels",
		Long: `sdbootmgrctl manages the boot entries of systemd-boot: it copies kernel
images to the EFI system partition, regenerates the menu entries, keeps
the configured default entry enforced and can fold other installed
operating systems into the menu.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupLogger(verbosity)
		},
	}
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
	rootCmd.PersistentFlags().StringVar(&espPath, "esp-path", bootmgr.DefaultEspPath,
		"path the EFI system partition is mounted at")

	rootCmd.AddCommand(
		updateCmd(),
		checkCmd(),
		repairCmd(),
		entriesCmd(),
		settingsCmd(),
		setDefaultCmd(),
		setOneShotCmd(),
		getDefaultCmd(),
		enableCmd(),
		disableCmd(),
		dualBootCmd(),
		compatModeCmd(),
		editorCmd(),
		timeoutCmd(),
		keyTypeCmd(),
		applyLoaderConfigCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fail("%v", err)
		os.Exit(1)
	}
}
