// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package bootmgr keeps a systemd-boot menu in step with the installed
// kernels: it copies kernel payloads to the EFI system partition, rewrites
// the loader entries, enforces the configured default entry and optionally
// folds other installed operating systems into the menu.
package bootmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/canonical/sdbootmgr/loaderconf"
	"github.com/canonical/sdbootmgr/logging"
)

var log = logging.GetLogger("bootmgr")

// DefaultEspPath is where Debian-family installers mount the EFI system
// partition.
const DefaultEspPath = "/boot/efi"

func managedEntriesDir(espPath string) string {
	return filepath.Join(espPath, "loader", "entries")
}

func managedLoaderConf(espPath string) string {
	return filepath.Join(espPath, "loader", "loader.conf")
}

// Outcome says how a pass went. A degraded pass did everything essential
// but had to leave optional payloads behind for lack of space.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDegraded
)

// Report is what one pass leaves behind for the caller to display.
type Report struct {
	Outcome        Outcome
	Kernels        []KernelVersion
	SkippedKernels []KernelVersion
	PayloadsCopied int
	EntriesWritten int
	EntriesRemoved int
	LoaderUpdated  bool
	DefaultChanged bool
	MergedSystems  int
	Warnings       []string
}

func (r *Report) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// syncPass carries the state of one pass over the boot configuration.
type syncPass struct {
	espPath   string
	settings  *Settings
	kernels   []KernelVersion
	devices   []BlockDevice
	template  EntryTemplate
	installed map[KernelVersion]bool
	report    *Report
}

// newSyncPass reads everything a pass depends on up front, so that a pass
// either runs against a coherent snapshot or not at all.
func newSyncPass(espPath string) (*syncPass, error) {
	settings, err := LoadSettings()
	if err != nil {
		return nil, err
	}
	kernels, err := ListKernels()
	if err != nil {
		return nil, err
	}
	devices, err := appDevices.ListBlockDevices()
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate block devices: %w", err)
	}
	root := FindByMountpoint(devices, "/")
	if root == nil {
		return nil, fmt.Errorf("cannot tell which device the root filesystem lives on")
	}
	budget, err := appSpace.Measure(espPath)
	if err != nil {
		return nil, err
	}
	if !budget.AllowsLoaderUpdate() {
		return nil, fmt.Errorf("%w: %d bytes remaining", ErrEspSpaceLow, budget.Remaining())
	}

	return &syncPass{
		espPath:  espPath,
		settings: settings,
		kernels:  kernels,
		devices:  devices,
		template: EntryTemplate{
			Release:     ReadOSRelease(),
			RootPointer: root.RootPointer(settings.RootKey),
			Settings:    settings,
		},
		installed: make(map[KernelVersion]bool),
		report:    &Report{Kernels: kernels},
	}, nil
}

// Sync runs one full pass: payloads, entries, pruning, loader refresh,
// default enforcement and, when configured, the dual-boot merge. The
// returned report is non-nil exactly when the error is nil.
func Sync(espPath string) (*Report, error) {
	pass, err := newSyncPass(espPath)
	if err != nil {
		return nil, err
	}
	if err := pass.installPayloads(); err != nil {
		return nil, err
	}
	if err := pass.writeEntries(); err != nil {
		return nil, err
	}
	if err := pass.pruneStale(); err != nil {
		return nil, err
	}
	if err := pass.refreshLoader(); err != nil {
		return nil, err
	}
	pass.enforceDefault()
	pass.mergeForeign()
	return pass.report, nil
}

func (p *syncPass) payloadDir() string {
	return filepath.Join(p.espPath, "EFI", p.template.Release.ID)
}

// payloadPresent reports whether the files an entry for this version
// points at are already on the partition.
func (p *syncPass) payloadPresent(version KernelVersion, latest bool) bool {
	for _, artifact := range version.requiredArtifacts() {
		name := payloadName(artifact, version, latest)
		if _, err := appFs.Stat(filepath.Join(p.payloadDir(), name)); err != nil {
			return false
		}
	}
	return true
}

// payloadSize estimates the bytes a version's payload needs from the
// sizes of its source files.
func (p *syncPass) payloadSize(version KernelVersion) uint64 {
	var total uint64
	for _, artifact := range version.artifacts() {
		info, err := appFs.Stat(filepath.Join(bootDir, artifact))
		if err != nil {
			continue
		}
		total += uint64(info.Size())
	}
	return total
}

// copyPayload copies a version's boot files to the partition. Required
// artifacts must copy, the debugging extras may be absent.
func (p *syncPass) copyPayload(version KernelVersion, latest bool) (int, error) {
	copied := 0
	required := version.requiredArtifacts()
	for i, artifact := range version.artifacts() {
		source := filepath.Join(bootDir, artifact)
		target := filepath.Join(p.payloadDir(), payloadName(artifact, version, latest))
		updated, err := MaybeUpdateFile(target, source)
		if err != nil {
			if i >= len(required) && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return copied, fmt.Errorf("could not copy %s: %w", artifact, err)
		}
		if updated {
			copied++
		}
	}
	return copied, nil
}

// installPayloads copies the latest kernel unconditionally and older
// kernels newest first while space allows. An older kernel whose payload
// is already on the partition stays available even when no new copy
// would fit.
func (p *syncPass) installPayloads() error {
	if err := appFs.MkdirAll(p.payloadDir(), 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", p.payloadDir(), err)
	}

	latest := LatestKernel(p.kernels)
	copied, err := p.copyPayload(latest, true)
	p.report.PayloadsCopied += copied
	// The menu must always offer the newest kernel; a half-installed one
	// is the packaging system's business to finish, not ours to hide.
	if err != nil {
		p.report.warn("latest kernel %s: %v", latest, err)
	}
	p.installed[latest] = true

	for i := len(p.kernels) - 2; i >= 0; i-- {
		version := p.kernels[i]
		present := p.payloadPresent(version, false)
		budget, err := appSpace.Measure(p.espPath)
		if err != nil {
			return err
		}
		if !present && !budget.FitsPayload(p.payloadSize(version)) {
			p.report.warn("not enough space for kernel %s, skipping", version)
			p.report.SkippedKernels = append(p.report.SkippedKernels, version)
			p.report.Outcome = OutcomeDegraded
			continue
		}
		copied, err := p.copyPayload(version, false)
		p.report.PayloadsCopied += copied
		if err != nil {
			if present {
				// Keep serving the copy that is already there.
				p.report.warn("could not refresh kernel %s: %v", version, err)
				p.installed[version] = true
				continue
			}
			p.report.warn("kernel %s: %v", version, err)
			continue
		}
		p.installed[version] = true
	}
	return nil
}

// expectedEntries maps the entry files this pass wants to exist to their
// contents.
func (p *syncPass) expectedEntries() map[string][]byte {
	expected := make(map[string][]byte)
	latest := LatestKernel(p.kernels)
	for _, version := range p.kernels {
		if !p.installed[version] {
			continue
		}
		isLatest := version == latest
		for _, kind := range []EntryKind{StandardEntry, RecoveryEntry} {
			name := p.template.FileName(version, kind, isLatest)
			expected[name] = p.template.Entry(version, kind, isLatest).Marshal()
		}
	}
	return expected
}

// writeEntries regenerates the menu entries for every kernel with a
// payload. Unchanged files are left untouched.
func (p *syncPass) writeEntries() error {
	entriesDir := managedEntriesDir(p.espPath)
	if err := appFs.MkdirAll(entriesDir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", entriesDir, err)
	}
	for name, data := range p.expectedEntries() {
		wrote, err := MaybeUpdateBytes(filepath.Join(entriesDir, name), data)
		if err != nil {
			return err
		}
		if wrote {
			p.report.EntriesWritten++
		}
	}
	return nil
}

// ownsEntryFile decides whether an entry file is one of ours. Entries
// merged from other installations must survive regeneration, so both the
// name and the kernel path have to match this installation.
func (p *syncPass) ownsEntryFile(name string, data []byte) bool {
	id := p.template.Release.ID
	base := strings.TrimSuffix(name, ".conf")
	if base != id && !strings.HasPrefix(base, id+"-") {
		return false
	}
	entry, err := loaderconf.ParseEntry(data)
	if err != nil {
		return false
	}
	return strings.HasPrefix(entry.Linux, "/EFI/"+id+"/")
}

// pruneStale removes entries of ours that no kernel backs anymore, and
// the payload files that belonged to removed kernels.
func (p *syncPass) pruneStale() error {
	entriesDir := managedEntriesDir(p.espPath)
	expected := p.expectedEntries()
	files, err := appFs.ReadDir(entriesDir)
	if err != nil {
		return fmt.Errorf("Could not read %s: %w", entriesDir, err)
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
			return err
		}
		if !p.ownsEntryFile(name, data) {
			continue
		}
		if err := appFs.Remove(filepath.Join(entriesDir, name)); err != nil {
			return fmt.Errorf("Could not remove stale entry %s: %w", name, err)
		}
		p.report.EntriesRemoved++
		log.Info().Str("entry", name).Msg("Removed stale boot entry")
	}
	return p.prunePayloads()
}

// prunePayloads removes versioned payload files of kernels that are no
// longer installed. Files that are not ours stay.
func (p *syncPass) prunePayloads() error {
	files, err := appFs.ReadDir(p.payloadDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	keep := make(map[string]bool)
	latest := LatestKernel(p.kernels)
	for version := range p.installed {
		for _, artifact := range version.artifacts() {
			keep[payloadName(artifact, version, version == latest)] = true
		}
	}
	// The stable names always stay; they belong to the latest kernel.
	for _, artifact := range latest.artifacts() {
		keep[payloadName(artifact, latest, true)] = true
	}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || keep[name] {
			continue
		}
		if !isPayloadArtifact(name) {
			continue
		}
		if err := appFs.Remove(filepath.Join(p.payloadDir(), name)); err != nil {
			return fmt.Errorf("Could not remove stale payload %s: %w", name, err)
		}
		log.Info().Str("file", name).Msg("Removed stale kernel payload")
	}
	return nil
}

// isPayloadArtifact matches the file families the payload copier manages.
func isPayloadArtifact(name string) bool {
	for _, prefix := range []string{"vmlinuz", "initrd.img", "System.map", "config"} {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return false
}

// refreshLoader updates the loader binaries and maintains the firmware
// fallback mirror according to the compatibility setting.
func (p *syncPass) refreshLoader() error {
	budget, err := appSpace.Measure(p.espPath)
	if err != nil {
		return err
	}
	if !budget.AllowsLoaderUpdate() {
		return fmt.Errorf("%w: %d bytes remaining", ErrEspSpaceLow, budget.Remaining())
	}
	if err := appBootloader.Update(p.espPath); err != nil {
		return fmt.Errorf("could not update the boot loader: %w", err)
	}
	p.report.LoaderUpdated = true

	compat := p.settings.CompatMode
	if compat && p.settings.DualBoot {
		p.report.warn("compatibility mode and dual boot are mutually exclusive, keeping compatibility mode")
	}
	if _, err := UpdateCompatMirror(p.espPath, compat, p.template.Release); err != nil {
		p.report.warn("compatibility mirror: %v", err)
	}
	return nil
}

// enforceDefault pins the configured default entry. Failures here leave
// the freshly written menu intact, so they degrade to warnings.
func (p *syncPass) enforceDefault() {
	changed, err := EnforceDefaultEntry(p.espPath)
	if errors.Is(err, ErrUnsupportedLoader) {
		p.report.warn("not enforcing the default entry: %v", err)
		return
	}
	if err != nil {
		p.report.warn("could not enforce the default entry: %v", err)
		return
	}
	p.report.DefaultChanged = changed
}

// mergeForeign folds other installed systems into the menu when dual
// boot is on. Compatibility mode wins the conflict between the two.
func (p *syncPass) mergeForeign() {
	if !p.settings.DualBoot || p.settings.CompatMode {
		return
	}
	merge := MergeForeignSystems(p.espPath)
	p.report.MergedSystems = merge.Merged
	p.report.Warnings = append(p.report.Warnings, merge.Warnings...)
}
