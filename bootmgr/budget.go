// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Space thresholds on the EFI system partition. Legacy kernel payloads are
// optional and stop being copied below the large reserve; the loader
// binaries and the newest kernel are not optional, below the small reserve
// the whole pass refuses to touch the partition.
const (
	legacyReserveBytes = 64 * 1024 * 1024
	coreReserveBytes   = 32 * 1024 * 1024
)

// ErrEspSpaceLow means the EFI system partition is too full even for the
// essential payload. Callers must treat this as fatal.
var ErrEspSpaceLow = errors.New("EFI system partition is out of space")

// EspBudget describes the space situation of the EFI system partition.
type EspBudget struct {
	TotalBytes uint64
	UsedBytes  uint64
}

// Remaining returns the bytes still free for payloads.
func (b EspBudget) Remaining() uint64 {
	if b.UsedBytes > b.TotalBytes {
		return 0
	}
	return b.TotalBytes - b.UsedBytes
}

// FitsPayload reports whether an optional payload of the given size can be
// copied without eating into the legacy reserve.
func (b EspBudget) FitsPayload(size uint64) bool {
	return b.Remaining() >= size+legacyReserveBytes
}

// AllowsLoaderUpdate reports whether essential writes may still proceed.
func (b EspBudget) AllowsLoaderUpdate() bool {
	return b.Remaining() >= coreReserveBytes
}

// SpaceReporter measures the filesystem holding a path.
type SpaceReporter interface {
	Measure(path string) (EspBudget, error)
}

type statfsReporter struct{}

func (statfsReporter) Measure(path string) (EspBudget, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return EspBudget{}, fmt.Errorf("Could not statfs %s: %w", path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return EspBudget{TotalBytes: total, UsedBytes: total - free}, nil
}

// appSpace is our default SpaceReporter
var appSpace SpaceReporter = statfsReporter{}
