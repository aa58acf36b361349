// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Locations of the manager's own state, below /etc.
const (
	configDir        = "/etc/sdbootmgr"
	settingsPath     = configDir + "/sdbootmgr.toml"
	defaultEntryPath = configDir + "/default_entry.conf"
	enabledPath      = configDir + "/enabled.conf"
)

// NoEnforce is the intended-default sentinel that turns enforcement off.
const NoEnforce = "#"

// KeyType selects how generated entries point at the root filesystem.
type KeyType string

const (
	KeyUUID     KeyType = "uuid"
	KeyPartUUID KeyType = "partuuid"
	KeyLabel    KeyType = "label"
	KeyPath     KeyType = "path"
)

// ParseKeyType validates a user-supplied key type.
func ParseKeyType(value string) (KeyType, error) {
	switch key := KeyType(strings.ToLower(value)); key {
	case KeyUUID, KeyPartUUID, KeyLabel, KeyPath:
		return key, nil
	}
	return "", fmt.Errorf("unknown key type %q, expected uuid, partuuid, label or path", value)
}

// Settings is the manager's configuration record. The intended default
// entry and the enable flag live in companion files next to it, so that
// editing one cannot corrupt the other.
type Settings struct {
	RootKey      KeyType `toml:"root_key"`
	DualBoot     bool    `toml:"dual_boot"`
	CompatMode   bool    `toml:"compat_mode"`
	Timeout      int     `toml:"timeout"`
	Editor       bool    `toml:"editor"`
	BootArgs     string  `toml:"boot_args"`
	RecoveryArgs string  `toml:"recovery_args"`
}

// DefaultSettings returns the configuration a fresh installation gets.
func DefaultSettings() *Settings {
	return &Settings{
		RootKey:      KeyPartUUID,
		DualBoot:     false,
		CompatMode:   false,
		Timeout:      5,
		Editor:       false,
		BootArgs:     "quiet splash",
		RecoveryArgs: "recovery nomodeset",
	}
}

// LoadSettings reads the configuration record. A missing file is a cold
// start and yields the defaults; a present but unreadable file is an error.
func LoadSettings() (*Settings, error) {
	settings := DefaultSettings()
	data, err := ReadFile(settingsPath)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Could not read %s: %w", settingsPath, err)
	}
	if err := toml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("Could not parse %s: %w", settingsPath, err)
	}
	return settings, nil
}

// Validate rejects values the rest of the engine cannot act on.
func (s *Settings) Validate() error {
	if _, err := ParseKeyType(string(s.RootKey)); err != nil {
		return err
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %d", s.Timeout)
	}
	return nil
}

// Save writes the configuration record, going through a temporary file so
// a crash cannot leave a half-written record behind.
func (s *Settings) Save() error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("Could not encode settings: %w", err)
	}
	if err := appFs.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", configDir, err)
	}
	tmpPath := settingsPath + ".tmp"
	if err := WriteFile(tmpPath, data); err != nil {
		return err
	}
	return appFs.Rename(tmpPath, settingsPath)
}

// Args returns the kernel command line arguments for the requested entry
// kind, without the root pointer.
func (s *Settings) Args(kind EntryKind) string {
	if kind == RecoveryEntry {
		return s.RecoveryArgs
	}
	return s.BootArgs
}

// IntendedDefault returns the entry the loader menu should default to.
// A missing record or the NoEnforce sentinel both mean "do not enforce";
// comment lines in the record are skipped.
func IntendedDefault() (string, error) {
	data, err := ReadFile(defaultEntryPath)
	if os.IsNotExist(err) {
		return NoEnforce, nil
	}
	if err != nil {
		return "", fmt.Errorf("Could not read %s: %w", defaultEntryPath, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == NoEnforce {
			return NoEnforce, nil
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return NoEnforce, nil
}

// SetIntendedDefault records the entry enforcement should pin the menu
// to, or NoEnforce to turn enforcement off.
func SetIntendedDefault(id string) error {
	if err := appFs.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", configDir, err)
	}
	data := "# This file is managed by sdbootmgrctl. Use `sdbootmgrctl set-default` to change it.\n" +
		"# A single `#` on the value line disables default enforcement.\n" +
		id + "\n"
	tmpPath := defaultEntryPath + ".tmp"
	if err := WriteFile(tmpPath, []byte(data)); err != nil {
		return err
	}
	return appFs.Rename(tmpPath, defaultEntryPath)
}

// Enabled reports whether the manager may touch the boot configuration.
// The flag is a file so that packaging scripts can flip it trivially: an
// empty record disables the manager, anything else enables it. A machine
// without the record counts as enabled, and the record is created on the
// spot when possible so the setting becomes editable.
func Enabled() bool {
	data, err := ReadFile(enabledPath)
	if os.IsNotExist(err) {
		// Best effort, a read-only /etc does not flip the default.
		Enable()
		return true
	}
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) != ""
}

// Enable allows the manager to touch the boot configuration.
func Enable() error {
	if err := appFs.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", configDir, err)
	}
	return WriteFile(enabledPath, []byte("enabled\n"))
}

// Disable stops the manager from touching the boot configuration. It is
// not an error to disable an already disabled manager.
func Disable() error {
	if err := appFs.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", configDir, err)
	}
	return WriteFile(enabledPath, nil)
}
