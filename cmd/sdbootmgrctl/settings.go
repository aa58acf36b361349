// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/canonical/sdbootmgr/bootmgr"
)

func parseOnOff(value string) (bool, error) {
	switch value {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", value)
}

func onOff(value bool) string {
	if value {
		return "on"
	}
	return "off"
}

// resyncAfterChange pushes a settings change out to the EFI system
// partition right away instead of waiting for the next kernel install.
func resyncAfterChange() error {
	if !requireEnabled() {
		return nil
	}
	report, err := bootmgr.Sync(espPath)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

// applyAfterChange rewrites loader.conf for changes that do not touch
// the generated entries themselves.
func applyAfterChange() error {
	if !requireEnabled() {
		return nil
	}
	changed, err := bootmgr.ApplyLoaderConfig(espPath)
	if err != nil {
		return err
	}
	if changed {
		success("loader configuration updated")
	} else {
		status("loader configuration is already up to date")
	}
	return nil
}

func settingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Show the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := bootmgr.LoadSettings()
			if err != nil {
				return err
			}
			intended, err := bootmgr.IntendedDefault()
			if err != nil {
				return err
			}
			if intended == bootmgr.NoEnforce {
				intended = "(not enforced)"
			}
			fmt.Printf("enabled:        %s\n", onOff(bootmgr.Enabled()))
			fmt.Printf("root key:       %s\n", settings.RootKey)
			fmt.Printf("dual boot:      %s\n", onOff(settings.DualBoot))
			fmt.Printf("compat mode:    %s\n", onOff(settings.CompatMode))
			fmt.Printf("timeout:        %d\n", settings.Timeout)
			fmt.Printf("editor:         %s\n", onOff(settings.Editor))
			fmt.Printf("boot args:      %s\n", settings.BootArgs)
			fmt.Printf("recovery args:  %s\n", settings.RecoveryArgs)
			fmt.Printf("default entry:  %s\n", intended)
			return nil
		},
	}
}

func setDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default ENTRY",
		Short: "Pin the boot menu to ENTRY, or to `#` to stop pinning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			id := bootmgr.NormalizeEntryID(args[0])
			if id != bootmgr.NoEnforce {
				// Catch typos while the menu is still listable; when it is
				// not, record the intent anyway and let repair sort it out.
				if entries, err := bootmgr.ListLoaderEntries(espPath); err == nil && !hasEntry(entries, id) {
					return fmt.Errorf("entry %s is not in the loader menu, see `sdbootmgrctl entries`", id)
				}
			}
			if err := bootmgr.SetIntendedDefault(id); err != nil {
				return err
			}
			if id == bootmgr.NoEnforce {
				success("default entry enforcement is now off")
				return nil
			}
			// The intent is recorded either way; only the loader state is
			// off limits while the manager is disabled.
			if !requireEnabled() {
				return nil
			}
			changed, err := bootmgr.EnforceDefaultEntry(espPath)
			if err != nil {
				warning("recorded %s but could not make it the default yet: %v", id, err)
				return nil
			}
			if changed {
				success("%s is now the default boot entry", id)
			} else {
				success("%s was already the default boot entry", id)
			}
			return nil
		},
	}
}

func hasEntry(entries []bootmgr.LoaderEntry, id string) bool {
	for _, entry := range entries {
		if entry.ID == id {
			return true
		}
	}
	return false
}

func setOneShotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-oneshot ENTRY",
		Short: "Boot ENTRY on the next start only",
		Long: `The loader boots ENTRY exactly once and then falls back to its
configured default. Useful for a one-off recovery boot without moving
the pin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !requireEnabled() {
				return nil
			}
			id := bootmgr.NormalizeEntryID(args[0])
			if entries, err := bootmgr.ListLoaderEntries(espPath); err == nil && !hasEntry(entries, id) {
				return fmt.Errorf("entry %s is not in the loader menu, see `sdbootmgrctl entries`", id)
			}
			if err := bootmgr.SetOneShotEntry(id); err != nil {
				return err
			}
			success("%s will be booted once on the next start", id)
			return nil
		},
	}
}

func getDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-default",
		Short: "Print the entry the boot menu is pinned to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			intended, err := bootmgr.IntendedDefault()
			if err != nil {
				return err
			}
			if intended == bootmgr.NoEnforce {
				status("default entry enforcement is off")
				return nil
			}
			fmt.Println(intended)
			return nil
		},
	}
}

func enableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Allow sdbootmgr to manage the boot configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			if err := bootmgr.Enable(); err != nil {
				return err
			}
			success("sdbootmgr is enabled, run `sdbootmgrctl update` to synchronize")
			return nil
		},
	}
}

func disableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Stop sdbootmgr from touching the boot configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			if err := bootmgr.Disable(); err != nil {
				return err
			}
			success("sdbootmgr is disabled, existing boot entries stay as they are")
			return nil
		},
	}
}

func dualBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dual-boot on|off",
		Short: "Pull boot entries from other installed operating systems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enable, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			settings, err := bootmgr.LoadSettings()
			if err != nil {
				return err
			}
			if settings.DualBoot == enable {
				status("dual boot is already %s", onOff(enable))
				return nil
			}
			settings.DualBoot = enable
			if err := settings.Save(); err != nil {
				return err
			}
			if enable && settings.CompatMode {
				warning("compatibility mode is on, dual boot stays inactive until it is turned off")
			}
			return resyncAfterChange()
		},
	}
}

func compatModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compat-mode on|off",
		Short: "Mirror the boot loader to the removable-media path",
		Long: `Some firmware loses or ignores its boot variables and only starts the
loader at the removable-media fallback path. Compatibility mode keeps a
copy of systemd-boot at EFI/BOOT for such machines.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enable, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			settings, err := bootmgr.LoadSettings()
			if err != nil {
				return err
			}
			if settings.CompatMode == enable {
				status("compatibility mode is already %s", onOff(enable))
				return nil
			}
			settings.CompatMode = enable
			if err := settings.Save(); err != nil {
				return err
			}
			if enable && settings.DualBoot {
				warning("dual boot is on, compatibility mode takes precedence until it is turned off")
			}
			return resyncAfterChange()
		},
	}
}

func editorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "editor on|off",
		Short: "Allow editing kernel command lines from the boot menu",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enable, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			settings, err := bootmgr.LoadSettings()
			if err != nil {
				return err
			}
			settings.Editor = enable
			if err := settings.Save(); err != nil {
				return err
			}
			return applyAfterChange()
		},
	}
}

func timeoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeout SECONDS",
		Short: "Set how long the boot menu stays on screen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.Atoi(args[0])
			if err != nil || seconds < 0 {
				return fmt.Errorf("expected a non-negative number of seconds, got %q", args[0])
			}
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			settings, err := bootmgr.LoadSettings()
			if err != nil {
				return err
			}
			settings.Timeout = seconds
			if err := settings.Save(); err != nil {
				return err
			}
			return applyAfterChange()
		},
	}
}

func keyTypeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key-type TYPE",
		Short: "Choose how entries point at the root filesystem",
		Long: `Generated entries identify the root filesystem by partuuid, uuid,
label or device path. Partition UUIDs survive reformatting and are the
default; device paths are only stable on single-disk machines.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := bootmgr.ParseKeyType(args[0])
			if err != nil {
				return err
			}
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			settings, err := bootmgr.LoadSettings()
			if err != nil {
				return err
			}
			if settings.RootKey == key {
				status("key type is already %s", key)
				return nil
			}
			settings.RootKey = key
			if err := settings.Save(); err != nil {
				return err
			}
			return resyncAfterChange()
		},
	}
}

func applyLoaderConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply-loader-config",
		Short: "Rewrite the loader configuration from the recorded settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := acquireLock()
			if err != nil {
				return err
			}
			defer release()
			return applyAfterChange()
		},
	}
}
