// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/canonical/sdbootmgr/bootmgr"
)

// Operator messages carry the program name and a colored severity, so
// that CLI runs and boot-time service output read the same in a journal.
var (
	nameTag      = color.New(color.FgGreen).Sprint("sdbootmgr")
	errorColor   = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
	statusColor  = color.New(color.FgBlue)
	successColor = color.New(color.FgGreen)
)

func tagged(c *color.Color, prefix, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s\t%s\n", nameTag, c.Sprintf(prefix+format, args...))
}

func status(format string, args ...interface{}) {
	tagged(statusColor, "", format, args...)
}

func success(format string, args ...interface{}) {
	tagged(successColor, "", format, args...)
}

func warning(format string, args ...interface{}) {
	tagged(warningColor, "WARNING: ", format, args...)
}

func fail(format string, args ...interface{}) {
	tagged(errorColor, "ERROR: ", format, args...)
}

// printReport relays the outcome of a pass to the operator.
func printReport(report *bootmgr.Report) {
	for _, w := range report.Warnings {
		warning("%s", w)
	}
	if report.PayloadsCopied > 0 {
		status("copied %d boot file(s)", report.PayloadsCopied)
	}
	if report.EntriesWritten > 0 {
		status("wrote %d boot entry file(s)", report.EntriesWritten)
	}
	if report.EntriesRemoved > 0 {
		status("removed %d stale boot entry file(s)", report.EntriesRemoved)
	}
	if report.DefaultChanged {
		status("changed the default boot entry to the recorded intent")
	}
	if report.MergedSystems > 0 {
		status("merged %d other operating system(s) into the menu", report.MergedSystems)
	}
	if report.Outcome == bootmgr.OutcomeDegraded {
		warning("finished with reduced rollback coverage, %d kernel(s) left off the EFI system partition",
			len(report.SkippedKernels))
		return
	}
	success("boot entries are in sync for %d kernel(s)", len(report.Kernels))
}
