// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoaderEntry is one menu entry as reported by bootctl list. Only the
// fields the manager inspects are decoded.
type LoaderEntry struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Title      string `json:"title"`
	ShowTitle  string `json:"showTitle"`
	Version    string `json:"version"`
	IsReported bool   `json:"isReported"`
	IsDefault  bool   `json:"isDefault"`
	IsSelected bool   `json:"isSelected"`
}

// BootloaderClient drives bootctl, systemd's boot loader management tool.
// It covers the loader binaries on the EFI system partition and the
// loader's view of the menu; the entry files themselves are ours and are
// written directly.
type BootloaderClient interface {
	Install(espPath string) error
	Update(espPath string) error
	IsInstalled(espPath string) (bool, error)
	ListEntries(espPath string) ([]LoaderEntry, error)
	SetDefault(espPath, id string) error
}

type bootctlClient struct{}

func (bootctlClient) Install(espPath string) error {
	_, err := appRunner.Run("bootctl", "--esp-path="+espPath, "install")
	return err
}

func (bootctlClient) Update(espPath string) error {
	_, err := appRunner.Run("bootctl", "--esp-path="+espPath, "update")
	return err
}

func (bootctlClient) IsInstalled(espPath string) (bool, error) {
	out, err := appRunner.Run("bootctl", "--esp-path="+espPath, "is-installed")
	if err == nil {
		return strings.TrimSpace(string(out)) == "yes", nil
	}
	// is-installed signals "no" through its exit status
	if strings.TrimSpace(string(out)) == "no" {
		return false, nil
	}
	return false, err
}

func (bootctlClient) ListEntries(espPath string) ([]LoaderEntry, error) {
	out, err := appRunner.Run("bootctl", "--esp-path="+espPath, "list", "--json=short")
	if err != nil {
		return nil, err
	}
	var entries []LoaderEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("Could not decode bootctl list output: %w", err)
	}
	return entries, nil
}

func (bootctlClient) SetDefault(espPath, id string) error {
	_, err := appRunner.Run("bootctl", "--esp-path="+espPath, "set-default", id)
	return err
}

// appBootloader is our default BootloaderClient
var appBootloader BootloaderClient = bootctlClient{}

// ListLoaderEntries returns the menu as the loader sees it.
func ListLoaderEntries(espPath string) ([]LoaderEntry, error) {
	return appBootloader.ListEntries(espPath)
}

// EnsureLoaderInstalled installs the loader if it is missing and refreshes
// its binaries otherwise. It reports whether an install took place.
func EnsureLoaderInstalled(espPath string) (installed bool, err error) {
	present, err := appBootloader.IsInstalled(espPath)
	if err != nil {
		return false, err
	}
	if !present {
		return true, appBootloader.Install(espPath)
	}
	return false, appBootloader.Update(espPath)
}
