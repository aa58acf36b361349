// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// appArchitecture is the EFI name of the machine architecture
var appArchitecture = map[string]string{
	"amd64": "x64",
	"386":   "ia32",
	"arm64": "aa64",
	"arm":   "arm",
}[runtime.GOARCH]

// GetEfiArchitecture returns the EFI architecture name of this machine,
// or an empty string if it does not have one.
func GetEfiArchitecture() string {
	return appArchitecture
}

// The compatibility mirror lives in the removable-media fallback location,
// where firmware that lost its boot entries still looks.
func systemdLoaderPath(espPath string) string {
	return filepath.Join(espPath, "EFI", "systemd", "systemd-boot"+GetEfiArchitecture()+".efi")
}

func fallbackLoaderPath(espPath string) string {
	return filepath.Join(espPath, "EFI", "BOOT", "BOOT"+strings.ToUpper(GetEfiArchitecture())+".EFI")
}

func fallbackCSVPath(espPath string) string {
	return filepath.Join(espPath, "EFI", "BOOT", "BOOT"+strings.ToUpper(GetEfiArchitecture())+".CSV")
}

// FallbackEntry is one row of the firmware fallback descriptor that
// entry-restoring tools read to recreate a lost boot manager entry.
type FallbackEntry struct {
	Filename    string
	Label       string
	Options     string
	Description string
}

// WriteFallbackCSV writes the fallback descriptor rows to the specified
// writer. The output of this function is unencoded, use a transformed
// UTF-16 writer.
func WriteFallbackCSV(w io.Writer, entries []FallbackEntry) error {
	for _, entry := range entries {
		if strings.Contains(entry.Filename, ",") ||
			strings.Contains(entry.Label, ",") ||
			strings.Contains(entry.Options, ",") ||
			strings.Contains(entry.Description, ",") {
			return fmt.Errorf("entry '%s' contains ',' in one of the attributes, this is not supported", entry.Label)
		}

		_, err := fmt.Fprintf(w, "%s,%s,%s,%s\n", entry.Filename, entry.Label, entry.Options, entry.Description)
		if err != nil {
			return fmt.Errorf("Could not write entry '%s': %w", entry.Label, err)
		}
	}

	return nil
}

func encodeFallbackCSV(entries []FallbackEntry) ([]byte, error) {
	var buf bytes.Buffer
	writer := transform.NewWriter(&buf, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder())
	if err := WriteFallbackCSV(writer, entries); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UpdateCompatMirror maintains the copy of the loader in the fallback
// location. With enable set it mirrors the systemd-boot binary to
// EFI/BOOT and writes the descriptor next to it; without it both are
// removed again. It reports whether anything changed.
func UpdateCompatMirror(espPath string, enable bool, release OSRelease) (bool, error) {
	if GetEfiArchitecture() == "" {
		return false, fmt.Errorf("no EFI architecture name for %s", runtime.GOARCH)
	}
	if !enable {
		changed := false
		for _, path := range []string{fallbackLoaderPath(espPath), fallbackCSVPath(espPath)} {
			err := appFs.Remove(path)
			if err == nil {
				changed = true
			} else if !os.IsNotExist(err) {
				return changed, fmt.Errorf("Could not remove %s: %w", path, err)
			}
		}
		return changed, nil
	}

	if err := appFs.MkdirAll(filepath.Join(espPath, "EFI", "BOOT"), 0755); err != nil {
		return false, fmt.Errorf("Could not create fallback directory: %w", err)
	}
	mirrored, err := MaybeUpdateFile(fallbackLoaderPath(espPath), systemdLoaderPath(espPath))
	if err != nil {
		return false, err
	}
	csv, err := encodeFallbackCSV([]FallbackEntry{{
		Filename:    "BOOT" + strings.ToUpper(GetEfiArchitecture()) + ".EFI",
		Label:       "Linux Boot Manager",
		Description: release.PrettyName + " boot manager fallback",
	}})
	if err != nil {
		return mirrored, err
	}
	wrote, err := MaybeUpdateBytes(fallbackCSVPath(espPath), csv)
	return mirrored || wrote, err
}
