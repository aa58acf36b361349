// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"fmt"
	"strings"

	efi "github.com/canonical/go-efilib"
	"golang.org/x/text/encoding/unicode"
)

// loaderGUID is the vendor GUID of the systemd boot loader interface,
// 4a67b082-0a4c-41cf-b6c7-440b29bb8c4f.
var loaderGUID = efi.MakeGUID(0x4a67b082, 0x0a4c, 0x41cf, 0xb6c7, [...]uint8{0x44, 0x0b, 0x29, 0xbb, 0x8c, 0x4f})

const (
	loaderVarDevicePartUUID = "LoaderDevicePartUUID"
	loaderVarEntrySelected  = "LoaderEntrySelected"
	loaderVarEntryOneShot   = "LoaderEntryOneShot"
)

// EFIVariables abstracts away the host-specific bits of EFI variable access
type EFIVariables interface {
	ListVariables() ([]efi.VariableDescriptor, error)
	GetVariable(guid efi.GUID, name string) (data []byte, attrs efi.VariableAttributes, err error)
	SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error
}

// RealEFIVariables provides the real implementation of EFIVariables
type RealEFIVariables struct{}

// ListVariables proxy
func (RealEFIVariables) ListVariables() ([]efi.VariableDescriptor, error) {
	return efi.ListVariables()
}

// GetVariable proxy
func (RealEFIVariables) GetVariable(guid efi.GUID, name string) (data []byte, attrs efi.VariableAttributes, err error) {
	return efi.ReadVariable(name, guid)
}

// SetVariable proxy
func (RealEFIVariables) SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error {
	return efi.WriteVariable(name, guid, attrs, data)
}

// Chosen implementation
var appEFIVars EFIVariables = RealEFIVariables{}

// VariablesSupported indicates whether variables can be accessed.
func VariablesSupported() bool {
	_, err := appEFIVars.ListVariables()
	return err == nil
}

// loaderVariable reads a UTF-16 string variable of the loader interface.
// The loader writes these with a terminating NUL, which is stripped.
func loaderVariable(name string) (string, error) {
	data, _, err := appEFIVars.GetVariable(loaderGUID, name)
	if err != nil {
		return "", err
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	decoded, err := decoder.Bytes(data)
	if err != nil {
		return "", fmt.Errorf("Could not decode %s: %w", name, err)
	}
	return strings.TrimRight(string(decoded), "\x00"), nil
}

// FirmwareEspPartUUID returns the partition UUID of the EFI system
// partition the running loader was read from, as reported by the loader
// itself. The empty string means the loader did not record one.
func FirmwareEspPartUUID() (string, error) {
	value, err := loaderVariable(loaderVarDevicePartUUID)
	if err != nil {
		return "", err
	}
	return strings.ToLower(value), nil
}

// FirmwareSelectedEntry returns the identifier of the menu entry the
// loader booted, e.g. "ubuntu.conf".
func FirmwareSelectedEntry() (string, error) {
	return loaderVariable(loaderVarEntrySelected)
}

// SetOneShotEntry asks the loader to boot the given entry exactly once,
// without touching the configured default.
func SetOneShotEntry(entry string) error {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := encoder.Bytes([]byte(entry + "\x00"))
	if err != nil {
		return fmt.Errorf("Could not encode entry name: %w", err)
	}
	attrs := efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess
	return appEFIVars.SetVariable(loaderGUID, loaderVarEntryOneShot, encoded, attrs)
}
