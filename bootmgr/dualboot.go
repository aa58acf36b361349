// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/canonical/sdbootmgr/loaderconf"
)

// scratchDir is where foreign partitions get mounted for inspection.
const scratchDir = "/run/sdbootmgr/scratch"

// MergeReport sums up what a dual-boot merge did. Individual systems
// failing to merge is not an error, each failure becomes a warning and
// the remaining systems are still processed.
type MergeReport struct {
	Merged   int
	Changed  bool
	Warnings []string
}

// MergeForeignSystems discovers the other operating systems installed on
// this machine and makes them bootable from the managed menu: Windows by
// carrying its boot manager files over, systemd-boot installations by
// carrying their menu entries over, and everything else by chain-loading
// its boot loader.
func MergeForeignSystems(espPath string) MergeReport {
	var report MergeReport
	warn := func(format string, args ...interface{}) {
		report.Warnings = append(report.Warnings, fmt.Sprintf(format, args...))
	}

	systems, err := appProber.Probe()
	if err != nil {
		warn("could not probe for other operating systems: %v", err)
		return report
	}
	if len(systems) == 0 {
		return report
	}

	devices, err := appDevices.ListBlockDevices()
	if err != nil {
		warn("could not enumerate block devices: %v", err)
		return report
	}
	esp := FindByMountpoint(devices, espPath)
	if esp == nil {
		warn("cannot tell which partition is mounted at %s, not merging anything", espPath)
		return report
	}

	for i := range systems {
		system := &systems[i]
		var changed bool
		switch {
		case system.IsWindows():
			changed, err = mergeWindows(espPath, esp, devices, system)
		case system.IsLinux():
			changed, err = mergeLinux(espPath, esp, devices, system)
		default:
			log.Debug().Str("device", system.Device).Str("type", system.Type).
				Msg("Not merging unhandled system type")
			continue
		}
		if err != nil {
			warn("could not merge %s on %s: %v", system.Label, system.Device, err)
			continue
		}
		report.Merged++
		report.Changed = report.Changed || changed
	}
	return report
}

// sameDevice reports whether two entries of the device enumeration name
// the same partition. Identifiers compare exactly, ignoring only case;
// devices without identifiers fall back to their path.
func sameDevice(a, b *BlockDevice) bool {
	if a.PartUUID != "" && b.PartUUID != "" {
		return strings.EqualFold(a.PartUUID, b.PartUUID)
	}
	return a.Path == b.Path
}

// withScratchMount mounts device at the scratch mountpoint, runs fn and
// detaches again on every path. A stale mount left by an interrupted run
// is force-detached once before giving up.
func withScratchMount(device string, fn func(dir string) error) (err error) {
	if mountErr := appMounter.Mount(device, scratchDir); mountErr != nil {
		if appMounter.Unmount(scratchDir, true) != nil {
			return mountErr
		}
		if mountErr = appMounter.Mount(device, scratchDir); mountErr != nil {
			return mountErr
		}
	}
	defer func() {
		if unmountErr := appMounter.Unmount(scratchDir, true); unmountErr != nil && err == nil {
			err = fmt.Errorf("could not unmount %s: %w", scratchDir, unmountErr)
		}
	}()
	return fn(scratchDir)
}

func mergeWindows(espPath string, esp *BlockDevice, devices []BlockDevice, system *ForeignOS) (bool, error) {
	if device := FindBySpec(devices, system.Device); device != nil && sameDevice(device, esp) {
		// Already on the managed partition, the loader lists it natively.
		log.Debug().Str("device", system.Device).Msg("Windows shares the managed partition")
		return false, nil
	}
	updated := 0
	err := withScratchMount(system.Device, func(dir string) error {
		source := filepath.Join(dir, "EFI", "Microsoft")
		if _, err := appFs.Stat(source); err != nil {
			return fmt.Errorf("no EFI/Microsoft tree: %w", err)
		}
		size, err := treeSize(source)
		if err != nil {
			return err
		}
		budget, err := appSpace.Measure(espPath)
		if err != nil {
			return err
		}
		if !budget.FitsPayload(size) {
			return fmt.Errorf("not enough space for the Windows boot files (%d bytes)", size)
		}
		updated, err = CopyTree(filepath.Join(espPath, "EFI", "Microsoft"), source)
		return err
	})
	return updated > 0, err
}

func mergeLinux(espPath string, esp *BlockDevice, devices []BlockDevice, system *ForeignOS) (bool, error) {
	var fstab []byte
	var release OSRelease
	err := withScratchMount(system.Device, func(dir string) error {
		var err error
		fstab, err = ReadFile(filepath.Join(dir, "etc", "fstab"))
		if err != nil {
			return fmt.Errorf("could not read its fstab: %w", err)
		}
		release = readOSReleaseAt(filepath.Join(dir, "etc", "os-release"))
		return nil
	})
	if err != nil {
		return false, err
	}

	spec := foreignEspSpec(fstab)
	if spec == "" {
		return false, fmt.Errorf("its fstab declares no EFI system partition")
	}
	foreignEsp := FindBySpec(devices, spec)
	if foreignEsp == nil {
		return false, fmt.Errorf("cannot resolve %q from its fstab", spec)
	}
	if sameDevice(foreignEsp, esp) {
		// Shares the managed partition, so its entries are already here.
		log.Debug().Str("device", system.Device).Msg("System shares the managed partition")
		return false, nil
	}

	changed := false
	err = withScratchMount(foreignEsp.Path, func(dir string) error {
		confs, err := listEntryFiles(dir)
		if err == nil && len(confs) > 0 {
			n, err := copyForeignEntries(espPath, dir, confs)
			changed = n > 0
			return err
		}
		return bridgeForeignLoader(espPath, dir, system, release, &changed)
	})
	return changed, err
}

// foreignEspSpec extracts the device spec a system mounts its EFI system
// partition from, or an empty string if it declares none.
func foreignEspSpec(fstab []byte) string {
	for _, line := range strings.Split(string(fstab), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[1] == "/boot/efi" || fields[1] == "/efi" {
			return fields[0]
		}
	}
	return ""
}

// listEntryFiles returns the loader entry file names below root, sorted.
func listEntryFiles(root string) ([]string, error) {
	files, err := appFs.ReadDir(filepath.Join(root, "loader", "entries"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".conf") {
			names = append(names, file.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// copyForeignEntries carries the menu entries of another systemd-boot
// installation over to the managed partition, together with the payload
// directories they reference. Entries are copied byte for byte; parsing
// is only used to find the payloads and to reject files the loader could
// not use anyway.
func copyForeignEntries(espPath, foreignRoot string, confs []string) (int, error) {
	entriesDir := managedEntriesDir(espPath)
	if err := appFs.MkdirAll(entriesDir, 0755); err != nil {
		return 0, fmt.Errorf("Could not create %s: %w", entriesDir, err)
	}

	contents := make(map[string][]byte)
	var payloadDirs []string
	seenDir := make(map[string]bool)
	for _, name := range confs {
		data, err := ReadFile(filepath.Join(foreignRoot, "loader", "entries", name))
		if err != nil {
			return 0, err
		}
		entry, err := loaderconf.ParseEntry(data)
		if err != nil {
			log.Warn().Str("entry", name).Err(err).Msg("Skipping unusable foreign entry")
			continue
		}
		for _, ref := range append([]string{entry.Linux, entry.Efi}, entry.Initrd...) {
			if dir := payloadDirOf(ref); dir != "" && !seenDir[dir] {
				seenDir[dir] = true
				payloadDirs = append(payloadDirs, dir)
			}
		}
		contents[name] = data
	}

	// Payloads go first so that no copied entry ever points at nothing.
	for _, dir := range payloadDirs {
		source := filepath.Join(foreignRoot, dir)
		if _, err := appFs.Stat(source); err != nil {
			// Entries may reference files from yet another partition.
			continue
		}
		size, err := treeSize(source)
		if err != nil {
			return 0, err
		}
		budget, err := appSpace.Measure(espPath)
		if err != nil {
			return 0, err
		}
		if !budget.FitsPayload(size) {
			return 0, fmt.Errorf("not enough space for payload directory %s (%d bytes)", dir, size)
		}
		if _, err := CopyTree(filepath.Join(espPath, dir), source); err != nil {
			return 0, err
		}
	}

	merged := 0
	for _, name := range confs {
		data, ok := contents[name]
		if !ok {
			continue
		}
		written, wrote, err := mergeEntryFile(entriesDir, name, data)
		if err != nil {
			return merged, err
		}
		if wrote {
			merged++
			log.Info().Str("entry", written).Msg("Merged foreign boot entry")
		}
	}
	return merged, nil
}

// payloadDirOf maps a loader-visible file path to its top-level directory
// on the partition, e.g. "/EFI/fedora/vmlinuz" to "EFI/fedora". The
// loader directory itself is never a payload.
func payloadDirOf(ref string) string {
	parts := strings.Split(strings.TrimPrefix(path.Clean("/"+ref), "/"), "/")
	if len(parts) < 2 || parts[0] == "" || strings.EqualFold(parts[0], "loader") {
		return ""
	}
	if strings.EqualFold(parts[0], "EFI") {
		if len(parts) < 3 {
			return ""
		}
		return path.Join(parts[0], parts[1])
	}
	return parts[0]
}

// mergeEntryFile writes a foreign entry into the entries directory,
// stepping to name-1.conf, name-2.conf and so on when the name is taken
// by a different entry. An existing byte-identical copy is left alone.
// It returns the name used and whether anything was written.
func mergeEntryFile(entriesDir, name string, data []byte) (string, bool, error) {
	base := strings.TrimSuffix(name, ".conf")
	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d.conf", base, n)
		}
		existing, err := ReadFile(filepath.Join(entriesDir, candidate))
		if os.IsNotExist(err) {
			return candidate, true, WriteFile(filepath.Join(entriesDir, candidate), data)
		}
		if err != nil {
			return "", false, err
		}
		if bytes.Equal(existing, data) {
			return candidate, false, nil
		}
	}
}

// bridgeForeignLoader makes a system without loader entries reachable by
// copying its boot loader to a bridge directory on the managed partition
// and writing a chain-loading entry for it.
func bridgeForeignLoader(espPath, foreignRoot string, system *ForeignOS, release OSRelease, changed *bool) error {
	loaderRel, err := findChainLoader(foreignRoot)
	if err != nil {
		return err
	}
	slug := bridgeSlug(release, system)
	bridgeDir := filepath.Join(espPath, "EFI", slug+"-bridge")
	if err := appFs.MkdirAll(bridgeDir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", bridgeDir, err)
	}

	source := filepath.Join(foreignRoot, loaderRel)
	info, err := appFs.Stat(source)
	if err != nil {
		return err
	}
	budget, err := appSpace.Measure(espPath)
	if err != nil {
		return err
	}
	if !budget.FitsPayload(uint64(info.Size())) {
		return fmt.Errorf("not enough space to bridge its boot loader (%d bytes)", info.Size())
	}
	copied, err := MaybeUpdateFile(filepath.Join(bridgeDir, path.Base(loaderRel)), source)
	if err != nil {
		return err
	}

	title := release.PrettyName
	if title == "Linux" && system.Name != "" {
		title = system.Name
	}
	entry := loaderconf.Entry{
		Title: title,
		Efi:   path.Join("/EFI", slug+"-bridge", path.Base(loaderRel)),
	}
	entriesDir := managedEntriesDir(espPath)
	if err := appFs.MkdirAll(entriesDir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", entriesDir, err)
	}
	_, wrote, err := mergeEntryFile(entriesDir, slug+".conf", entry.Marshal())
	if err != nil {
		return err
	}
	*changed = copied || wrote
	return nil
}

// findChainLoader returns the partition-relative path of an application
// we can chain to: grub images first, then anything outside the fallback
// directory.
func findChainLoader(root string) (string, error) {
	efiDir := filepath.Join(root, "EFI")
	vendors, err := appFs.ReadDir(efiDir)
	if err != nil {
		return "", fmt.Errorf("no EFI directory to chain to: %w", err)
	}
	var fallback string
	for _, vendor := range vendors {
		if !vendor.IsDir() || strings.EqualFold(vendor.Name(), "BOOT") {
			continue
		}
		files, err := appFs.ReadDir(filepath.Join(efiDir, vendor.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(strings.ToLower(file.Name()), ".efi") {
				continue
			}
			rel := path.Join("EFI", vendor.Name(), file.Name())
			if strings.HasPrefix(strings.ToLower(file.Name()), "grub") {
				return rel, nil
			}
			if fallback == "" {
				fallback = rel
			}
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("no chain-loadable application found")
	}
	return fallback, nil
}

// bridgeSlug names the bridge directory and entry for a foreign system.
func bridgeSlug(release OSRelease, system *ForeignOS) string {
	slug := release.ID
	if slug == "" || slug == "linux" {
		slug = system.Label
	}
	var clean []rune
	for _, r := range strings.ToLower(slug) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			clean = append(clean, r)
		case len(clean) > 0 && clean[len(clean)-1] != '-':
			clean = append(clean, '-')
		}
	}
	out := strings.Trim(string(clean), "-")
	if out == "" {
		return "other"
	}
	return out
}

// treeSize returns the byte count of all files below dir.
func treeSize(dir string) (uint64, error) {
	entries, err := appFs.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			size, err := treeSize(full)
			if err != nil {
				return 0, err
			}
			total += size
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, err
		}
		total += uint64(info.Size())
	}
	return total, nil
}
