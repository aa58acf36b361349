// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockDevice is one device from the lsblk report. Partitions nest below
// their disk in Children.
type BlockDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	Size       uint64        `json:"size"`
	Mountpoint string        `json:"mountpoint"`
	FSType     string        `json:"fstype"`
	UUID       string        `json:"uuid"`
	PartUUID   string        `json:"partuuid"`
	PartLabel  string        `json:"partlabel"`
	Label      string        `json:"label"`
	Children   []BlockDevice `json:"children,omitempty"`
}

type lsblkReport struct {
	BlockDevices []BlockDevice `json:"blockdevices"`
}

// DeviceEnumerator lists the block devices of the machine.
type DeviceEnumerator interface {
	ListBlockDevices() ([]BlockDevice, error)
}

type lsblkEnumerator struct{}

func (lsblkEnumerator) ListBlockDevices() ([]BlockDevice, error) {
	out, err := appRunner.Run("lsblk", "--bytes", "--json", "--output",
		"NAME,PATH,TYPE,SIZE,MOUNTPOINT,FSTYPE,UUID,PARTUUID,PARTLABEL,LABEL")
	if err != nil {
		return nil, err
	}
	var report lsblkReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("Could not decode lsblk output: %w", err)
	}
	return report.BlockDevices, nil
}

// appDevices is our default DeviceEnumerator
var appDevices DeviceEnumerator = lsblkEnumerator{}

// Flatten returns devices and all their descendants as a single list.
func Flatten(devices []BlockDevice) []BlockDevice {
	var out []BlockDevice
	for _, device := range devices {
		out = append(out, device)
		out = append(out, Flatten(device.Children)...)
	}
	return out
}

// Partitions returns every device of type "part".
func Partitions(devices []BlockDevice) []BlockDevice {
	var out []BlockDevice
	for _, device := range Flatten(devices) {
		if device.Type == "part" {
			out = append(out, device)
		}
	}
	return out
}

// FindByMountpoint returns the device mounted at the given path, or nil.
func FindByMountpoint(devices []BlockDevice, mountpoint string) *BlockDevice {
	for _, device := range Flatten(devices) {
		if device.Mountpoint == mountpoint {
			found := device
			return &found
		}
	}
	return nil
}

// FindBySpec resolves a device spec of the forms used on kernel command
// lines and in fstab: a plain device path, or a PARTUUID=, UUID=, LABEL=
// or PARTLABEL= tag. Identifier comparison ignores case, device paths do
// not. It returns nil if nothing matches.
func FindBySpec(devices []BlockDevice, spec string) *BlockDevice {
	tag, value := "", spec
	if idx := strings.IndexByte(spec, '='); idx >= 0 {
		tag, value = strings.ToUpper(spec[:idx]), spec[idx+1:]
	}
	for _, device := range Flatten(devices) {
		var match bool
		switch tag {
		case "":
			match = device.Path == value
		case "PARTUUID":
			match = strings.EqualFold(device.PartUUID, value)
		case "UUID":
			match = strings.EqualFold(device.UUID, value)
		case "LABEL":
			match = device.Label == value
		case "PARTLABEL":
			match = device.PartLabel == value
		}
		if match {
			found := device
			return &found
		}
	}
	return nil
}

// RootPointer renders the device as a root= parameter using the requested
// key type, falling back to the device path when the identifier is absent.
func (d *BlockDevice) RootPointer(key KeyType) string {
	switch key {
	case KeyPartUUID:
		if d.PartUUID != "" {
			return "PARTUUID=" + d.PartUUID
		}
	case KeyUUID:
		if d.UUID != "" {
			return "UUID=" + d.UUID
		}
	case KeyLabel:
		if d.Label != "" {
			return "LABEL=" + d.Label
		}
	}
	return d.Path
}
