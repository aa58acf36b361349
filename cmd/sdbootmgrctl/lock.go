// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const lockPath = "/run/sdbootmgr.lock"

// acquireLock takes the machine-wide lock that keeps two invocations from
// interleaving writes on the EFI system partition. The returned release
// function must run before exit.
func acquireLock() (func(), error) {
	fd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", lockPath, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.New("another sdbootmgr instance is already running")
		}
		return nil, fmt.Errorf("could not lock %s: %w", lockPath, err)
	}
	return func() { unix.Close(fd) }, nil
}
