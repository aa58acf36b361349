// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	debversion "github.com/knqyf263/go-deb-version"
)

const bootDir = "/boot"

// ErrNoKernels means the kernel inventory came up empty. Regenerating the
// boot menu from an empty inventory would leave the machine unbootable, so
// callers must treat this as fatal.
var ErrNoKernels = errors.New("no kernels installed in " + bootDir)

// KernelVersion is the version suffix of an installed kernel image, for
// example "5.15.0-91-generic" for vmlinuz-5.15.0-91-generic.
type KernelVersion string

// Compare orders kernel versions like dpkg does, so that "5.15.0-9" sorts
// before "5.15.0-12". Strings dpkg cannot parse fall back to plain string
// comparison against each other and sort before everything parseable.
func (v KernelVersion) Compare(other KernelVersion) int {
	mine, errMine := debversion.NewVersion(string(v))
	theirs, errTheirs := debversion.NewVersion(string(other))
	switch {
	case errMine == nil && errTheirs == nil:
		return mine.Compare(theirs)
	case errMine == nil:
		return 1
	case errTheirs == nil:
		return -1
	default:
		return strings.Compare(string(v), string(other))
	}
}

// kernelImage is the file a kernel version boots from.
func (v KernelVersion) kernelImage() string { return "vmlinuz-" + string(v) }

// artifacts are the files belonging to a kernel version, in copy order.
// The first two are required for a bootable entry, the rest are nice to
// have for debugging and get copied only when present.
func (v KernelVersion) artifacts() []string {
	return []string{
		"vmlinuz-" + string(v),
		"initrd.img-" + string(v),
		"System.map-" + string(v),
		"config-" + string(v),
	}
}

func (v KernelVersion) requiredArtifacts() []string { return v.artifacts()[:2] }

// ListKernels scans the boot directory for installed kernels and returns
// their versions sorted ascending, newest last. The unversioned vmlinuz
// and vmlinuz.old convenience links and dpkg's partially installed files
// are not kernels of their own and are skipped.
func ListKernels() ([]KernelVersion, error) {
	files, err := appFs.ReadDir(bootDir)
	if err != nil {
		return nil, fmt.Errorf("Could not read %s: %w", bootDir, err)
	}
	var kernels []KernelVersion
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if !strings.HasPrefix(name, "vmlinuz-") {
			continue
		}
		if strings.HasSuffix(name, ".dpkg-tmp") || strings.HasSuffix(name, ".dpkg-new") {
			continue
		}
		version := KernelVersion(strings.TrimPrefix(name, "vmlinuz-"))
		if version == "old" {
			// vmlinuz.old spelled vmlinuz-old by some tools
			continue
		}
		kernels = append(kernels, version)
	}
	if len(kernels) == 0 {
		return nil, ErrNoKernels
	}
	sort.Slice(kernels, func(i, j int) bool {
		return kernels[i].Compare(kernels[j]) < 0
	})
	return kernels, nil
}

// LatestKernel returns the newest version of a non-empty ascending list.
func LatestKernel(kernels []KernelVersion) KernelVersion {
	return kernels[len(kernels)-1]
}
