// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"path"

	"github.com/canonical/sdbootmgr/loaderconf"
)

// EntryKind distinguishes normal boot entries from recovery entries.
type EntryKind int

const (
	StandardEntry EntryKind = iota
	RecoveryEntry
)

// EntryTemplate collects the facts every generated entry of one pass
// shares: the distribution identity, the root filesystem pointer and the
// configured argument lists.
type EntryTemplate struct {
	Release     OSRelease
	RootPointer string
	Settings    *Settings
}

// FileName returns the entry file name for a kernel. The latest kernel
// owns the stable names that default records point at; older kernels
// carry their version so several can coexist.
func (t *EntryTemplate) FileName(version KernelVersion, kind EntryKind, latest bool) string {
	name := t.Release.ID
	if !latest {
		name += "-" + string(version)
	}
	if kind == RecoveryEntry {
		name += "-recovery"
	}
	return name + ".conf"
}

// payloadName maps a boot directory artifact to its name on the EFI
// system partition. The latest kernel's files drop the version suffix so
// the stable entries never change their pointers.
func payloadName(artifact string, version KernelVersion, latest bool) string {
	if !latest {
		return artifact
	}
	return artifact[:len(artifact)-len("-"+string(version))]
}

// espPath returns the loader-visible path of a payload file, which is
// always slash-separated and relative to the partition root.
func (t *EntryTemplate) espPath(artifact string, version KernelVersion, latest bool) string {
	return path.Join("/EFI", t.Release.ID, payloadName(artifact, version, latest))
}

// Entry renders the menu record for one kernel. Rendering is pure: the
// same inputs always produce the same record, so writers can compare
// before touching the partition.
func (t *EntryTemplate) Entry(version KernelVersion, kind EntryKind, latest bool) *loaderconf.Entry {
	title := t.Release.PrettyName
	if kind == RecoveryEntry {
		title += " (recovery)"
	}
	return &loaderconf.Entry{
		Title:   title,
		Version: string(version),
		Linux:   t.espPath("vmlinuz-"+string(version), version, latest),
		Initrd:  []string{t.espPath("initrd.img-"+string(version), version, latest)},
		Options: "root=" + t.RootPointer + " " + t.Settings.Args(kind),
	}
}
