// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedLoader means the firmware or the installed boot loader
// does not implement default entry selection. Enforcement cannot work on
// such a machine and callers should degrade to a notice.
var ErrUnsupportedLoader = errors.New("boot loader does not support default entry selection")

// CurrentDefaultEntry returns the identifier of the entry the loader
// currently defaults to, or an empty string if it has no default.
func CurrentDefaultEntry(espPath string) (string, error) {
	entries, err := appBootloader.ListEntries(espPath)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDefault {
			return entry.ID, nil
		}
	}
	return "", nil
}

// EnforceDefaultEntry pins the loader's default to the recorded intent
// and reports whether it had to change anything. The NoEnforce sentinel
// returns without consulting the loader at all. A machine without EFI
// variable support cannot persist the selection and gets
// ErrUnsupportedLoader instead of a spurious change on every boot.
func EnforceDefaultEntry(espPath string) (bool, error) {
	intended, err := IntendedDefault()
	if err != nil {
		return false, err
	}
	if intended == NoEnforce {
		return false, nil
	}
	if !VariablesSupported() {
		return false, ErrUnsupportedLoader
	}

	entries, err := appBootloader.ListEntries(espPath)
	if err != nil {
		return false, err
	}
	current, found := "", false
	for _, entry := range entries {
		if entry.IsDefault {
			current = entry.ID
		}
		if entry.ID == intended {
			found = true
		}
	}
	if !found {
		return false, fmt.Errorf("intended default entry %q does not exist", intended)
	}
	if current == intended {
		return false, nil
	}
	if err := appBootloader.SetDefault(espPath, intended); err != nil {
		return false, err
	}
	return true, nil
}

// NormalizeEntryID maps user input to an entry identifier: the sentinel
// passes through, anything else gets the .conf extension if it is
// missing.
func NormalizeEntryID(id string) string {
	if id == NoEnforce || id == "" {
		return id
	}
	if !strings.HasSuffix(id, ".conf") {
		return id + ".conf"
	}
	return id
}
