// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// commandRunner runs an external command and returns its standard output.
// Standard error is folded into the returned error on failure.
type commandRunner interface {
	Run(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// appRunner is our default command runner
var appRunner commandRunner = execRunner{}

// Mounter attaches and detaches filesystems at scratch locations.
type Mounter interface {
	// Mount attaches the device read-only at target, creating target if needed.
	Mount(device, target string) error
	// Unmount detaches target. With force set it falls back to a lazy,
	// forced detach so that a busy mount cannot wedge the caller.
	Unmount(target string, force bool) error
}

type cmdMounter struct{}

func (cmdMounter) Mount(device, target string) error {
	if err := appFs.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("Could not create mountpoint %s: %w", target, err)
	}
	_, err := appRunner.Run("mount", "-o", "ro", device, target)
	return err
}

func (cmdMounter) Unmount(target string, force bool) error {
	_, err := appRunner.Run("umount", target)
	if err == nil || !force {
		return err
	}
	_, err = appRunner.Run("umount", "-fl", target)
	return err
}

// appMounter is our default Mounter
var appMounter Mounter = cmdMounter{}
