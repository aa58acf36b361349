// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"strings"
)

// ForeignOS is one operating system reported by os-prober. For EFI systems
// the device is the EFI system partition holding the loader; for everything
// else it is the partition holding the system root.
type ForeignOS struct {
	Device string
	Loader string // loader path inside Device, EFI systems only
	Name   string // long name, e.g. "Windows Boot Manager"
	Label  string // short label, e.g. "Windows"
	Type   string // "efi", "linux", ...
}

// IsWindows reports whether the system is a Windows boot manager entry.
func (f *ForeignOS) IsWindows() bool {
	return f.Type == "efi" && strings.Contains(strings.ToLower(f.Loader), "microsoft")
}

// IsLinux reports whether the system is a Linux installation.
func (f *ForeignOS) IsLinux() bool {
	return f.Type == "linux"
}

// OSProber discovers the other operating systems installed on the machine.
type OSProber interface {
	Probe() ([]ForeignOS, error)
}

type osProber struct{}

func (osProber) Probe() ([]ForeignOS, error) {
	out, err := appRunner.Run("os-prober")
	if err != nil {
		return nil, err
	}
	return parseOSProber(out), nil
}

// appProber is our default OSProber
var appProber OSProber = osProber{}

// parseOSProber decodes os-prober's device:name:label:type lines. EFI
// systems carry the loader path appended to the device after an @.
func parseOSProber(out []byte) []ForeignOS {
	var systems []ForeignOS
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 4)
		if len(parts) != 4 {
			continue
		}
		system := ForeignOS{Device: parts[0], Name: parts[1], Label: parts[2], Type: parts[3]}
		if at := strings.IndexByte(system.Device, '@'); at >= 0 {
			system.Device, system.Loader = system.Device[:at], system.Device[at+1:]
		}
		systems = append(systems, system)
	}
	return systems
}
