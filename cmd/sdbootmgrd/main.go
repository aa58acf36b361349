// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Command sdbootmgrd is the boot-time half of sdbootmgr. It runs once
// early in userspace, restores the recorded default boot entry if the
// menu drifted away from it, and exits.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/canonical/sdbootmgr/bootmgr"
	"github.com/canonical/sdbootmgr/logging"
)

var (
	nameTag      = color.New(color.FgGreen).Sprint("sdbootmgrd")
	errorColor   = color.New(color.FgRed)
	statusColor  = color.New(color.FgBlue)
	successColor = color.New(color.FgGreen)
)

func tagged(c *color.Color, prefix string, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s\t%s\n", nameTag, c.Sprintf(prefix+format, args...))
}

func status(format string, args ...interface{})  { tagged(statusColor, "STATUS: ", format, args...) }
func success(format string, args ...interface{}) { tagged(successColor, "SUCCESS: ", format, args...) }
func fail(format string, args ...interface{})    { tagged(errorColor, "ERROR: ", format, args...) }

func main() {
	verbosity := flag.Int("verbosity", 0, "log verbosity, 0 through 2")
	espPath := flag.String("esp-path", bootmgr.DefaultEspPath, "path the EFI system partition is mounted at")
	flag.Parse()

	logging.SetupLogger(*verbosity)

	if !bootmgr.Enabled() {
		status("sdbootmgr is disabled, leaving the boot menu alone")
		return
	}

	intended, err := bootmgr.IntendedDefault()
	if err != nil {
		fail("%v", err)
		os.Exit(1)
	}
	if intended == bootmgr.NoEnforce {
		status("no default boot entry is recorded, nothing to enforce")
		return
	}

	changed, err := bootmgr.EnforceDefaultEntry(*espPath)
	if errors.Is(err, bootmgr.ErrUnsupportedLoader) {
		status("boot loader variables are not supported here, nothing to enforce")
		return
	}
	if err != nil {
		fail("could not restore %s as the default boot entry: %v", intended, err)
		os.Exit(1)
	}
	if changed {
		success("restored %s as the default boot entry", intended)
	} else {
		status("default boot entry already matches %s", intended)
	}
}
