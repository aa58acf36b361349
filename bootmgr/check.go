// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/canonical/sdbootmgr/loaderconf"
)

// Drift is one difference between the boot configuration on disk and the
// one the engine would generate.
type Drift struct {
	Kind    string
	Subject string
	Detail  string
}

func (d Drift) String() string {
	return fmt.Sprintf("%s: %s (%s)", d.Kind, d.Subject, d.Detail)
}

// CheckConsistency compares the boot state against the recorded intent
// without changing anything. It returns one drift per difference; an
// error means the comparison itself could not run.
func CheckConsistency(espPath string) ([]Drift, error) {
	pass, err := newSyncPass(espPath)
	if err != nil {
		return nil, err
	}
	var drifts []Drift

	// Entries and payloads. The pass has copied nothing, so mark every
	// kernel whose payload is already on the partition as installed and
	// compare what would be generated for those.
	latest := LatestKernel(pass.kernels)
	for _, version := range pass.kernels {
		if pass.payloadPresent(version, version == latest) {
			pass.installed[version] = true
		} else if version == latest {
			drifts = append(drifts, Drift{
				Kind:    "payload-missing",
				Subject: string(version),
				Detail:  "the latest kernel is not on the EFI system partition",
			})
			pass.installed[version] = true
		}
	}

	expected := pass.expectedEntries()
	entriesDir := managedEntriesDir(espPath)
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		current, err := ReadFile(filepath.Join(entriesDir, name))
		if os.IsNotExist(err) {
			drifts = append(drifts, Drift{Kind: "entry-missing", Subject: name,
				Detail: "entry file does not exist"})
			continue
		}
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(current, expected[name]) {
			drifts = append(drifts, Drift{Kind: "entry-stale", Subject: name,
				Detail: "entry file differs from the generated form"})
		}
	}

	files, err := appFs.ReadDir(entriesDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".conf") {
			continue
		}
		if _, ok := expected[name]; ok {
			continue
		}
		data, err := ReadFile(filepath.Join(entriesDir, name))
		if err != nil {
			return nil, err
		}
		if pass.ownsEntryFile(name, data) {
			drifts = append(drifts, Drift{Kind: "entry-orphan", Subject: name,
				Detail: "no installed kernel backs this entry"})
		}
	}

	// Loader installation and configuration.
	installed, err := appBootloader.IsInstalled(espPath)
	if err != nil {
		drifts = append(drifts, Drift{Kind: "loader-unknown", Subject: espPath,
			Detail: err.Error()})
	} else if !installed {
		drifts = append(drifts, Drift{Kind: "loader-missing", Subject: espPath,
			Detail: "systemd-boot is not installed"})
	}
	drifts = append(drifts, checkLoaderConfig(espPath, pass.settings)...)

	// Loader identity. The loader records the partition it was read from;
	// when that is not the partition being managed, the menu written here
	// is not the menu the firmware shows.
	varsSupported := VariablesSupported()
	if varsSupported {
		if reported, err := FirmwareEspPartUUID(); err == nil && reported != "" {
			if esp := FindByMountpoint(pass.devices, espPath); esp != nil &&
				esp.PartUUID != "" && !strings.EqualFold(esp.PartUUID, reported) {
				drifts = append(drifts, Drift{Kind: "esp-mismatch", Subject: espPath,
					Detail: fmt.Sprintf("the loader was read from partition %s", reported)})
			}
		}
	}

	// Default entry.
	intended, err := IntendedDefault()
	if err != nil {
		return nil, err
	}
	if intended != NoEnforce && varsSupported {
		current, err := CurrentDefaultEntry(espPath)
		if err != nil {
			drifts = append(drifts, Drift{Kind: "default-unknown", Subject: intended,
				Detail: err.Error()})
		} else if current != intended {
			drifts = append(drifts, Drift{Kind: "default-mismatch", Subject: intended,
				Detail: fmt.Sprintf("loader defaults to %q", current)})
		}
	}

	return drifts, nil
}

// checkLoaderConfig compares loader.conf with the settings record.
func checkLoaderConfig(espPath string, settings *Settings) []Drift {
	data, err := ReadFile(managedLoaderConf(espPath))
	if os.IsNotExist(err) {
		return []Drift{{Kind: "loader-config-missing", Subject: "loader.conf",
			Detail: "file does not exist"}}
	}
	if err != nil {
		return []Drift{{Kind: "loader-config-unknown", Subject: "loader.conf",
			Detail: err.Error()}}
	}
	config, err := loaderconf.ParseConfig(data)
	if err != nil {
		return []Drift{{Kind: "loader-config-unknown", Subject: "loader.conf",
			Detail: err.Error()}}
	}
	var drifts []Drift
	if config.Timeout != settings.Timeout {
		drifts = append(drifts, Drift{Kind: "loader-config-stale", Subject: "timeout",
			Detail: fmt.Sprintf("loader has %d, settings want %d", config.Timeout, settings.Timeout)})
	}
	if config.Editor != settings.Editor {
		drifts = append(drifts, Drift{Kind: "loader-config-stale", Subject: "editor",
			Detail: fmt.Sprintf("loader has %v, settings want %v", config.Editor, settings.Editor)})
	}
	return drifts
}

// ApplyLoaderConfig rewrites loader.conf from the settings record. The
// console-mode directive is not ours and is carried over unchanged, as is
// a default directive when no intent is recorded.
func ApplyLoaderConfig(espPath string) (bool, error) {
	settings, err := LoadSettings()
	if err != nil {
		return false, err
	}
	config := &loaderconf.Config{Timeout: -1, Editor: true}
	if data, err := ReadFile(managedLoaderConf(espPath)); err == nil {
		if parsed, err := loaderconf.ParseConfig(data); err == nil {
			config = parsed
		}
	} else if !os.IsNotExist(err) {
		return false, err
	}

	config.Timeout = settings.Timeout
	config.Editor = settings.Editor
	intended, err := IntendedDefault()
	if err != nil {
		return false, err
	}
	if intended != NoEnforce {
		config.Default = intended
	}

	if err := appFs.MkdirAll(filepath.Dir(managedLoaderConf(espPath)), 0755); err != nil {
		return false, err
	}
	return MaybeUpdateBytes(managedLoaderConf(espPath), config.Marshal())
}

// Repair puts the managed records and the loader back into a usable
// state: the enable flag and settings records are recreated, a missing
// default intent is pointed at this installation's entry, the loader is
// installed if it is absent, and a full pass runs on top.
func Repair(espPath string) (*Report, error) {
	if err := Enable(); err != nil {
		return nil, err
	}
	settings, err := LoadSettings()
	if err != nil {
		// A corrupt record is replaced by the defaults; losing tuned
		// settings beats not booting.
		log.Warn().Err(err).Msg("Replacing unreadable settings with defaults")
		settings = DefaultSettings()
	}
	if err := settings.Save(); err != nil {
		return nil, err
	}
	if _, err := appFs.Stat(defaultEntryPath); os.IsNotExist(err) {
		release := ReadOSRelease()
		if err := SetIntendedDefault(release.ID + ".conf"); err != nil {
			return nil, err
		}
	}
	if installed, err := EnsureLoaderInstalled(espPath); err != nil {
		return nil, fmt.Errorf("could not install the boot loader: %w", err)
	} else if installed {
		log.Info().Str("esp", espPath).Msg("Installed the boot loader")
	}
	if _, err := ApplyLoaderConfig(espPath); err != nil {
		return nil, err
	}
	return Sync(espPath)
}
