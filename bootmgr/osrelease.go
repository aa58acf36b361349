// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"strings"
)

const osReleasePath = "/etc/os-release"

// OSRelease carries the identity fields generated entries derive from.
// ID names entry files and the payload directory on the EFI system
// partition, PrettyName titles menu entries.
type OSRelease struct {
	ID         string
	PrettyName string
}

// ReadOSRelease reads the distribution identity. Missing file or missing
// fields fall back to a generic identity rather than failing, matching
// what os-release(5) tells consumers to do.
func ReadOSRelease() OSRelease {
	return readOSReleaseAt(osReleasePath)
}

// readOSReleaseAt reads the identity record at an explicit location, for
// inspecting other installations through a scratch mount.
func readOSReleaseAt(path string) OSRelease {
	release := OSRelease{ID: "linux", PrettyName: "Linux"}
	data, err := ReadFile(path)
	if err != nil {
		return release
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			if value != "" {
				release.ID = value
			}
		case "PRETTY_NAME":
			if value != "" {
				release.PrettyName = value
			}
		}
	}
	return release
}
