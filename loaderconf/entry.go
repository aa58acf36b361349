// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package loaderconf implements the text formats understood by the
// systemd-boot loader: boot entry files (one file per menu entry) and the
// top-level loader.conf. It is a pure codec package and never touches the
// filesystem.
package loaderconf

import (
	"bytes"
	"fmt"
	"strings"
)

// Entry is a single boot menu record.
//
// Zero-valued fields are omitted when marshalling. Initrd may repeat, in the
// order the lines should appear. Unknown holds directives this package does
// not model; they are preserved verbatim so that parsing and re-marshalling
// a foreign entry does not discard information.
type Entry struct {
	Title   string
	Version string
	Linux   string
	Initrd  []string
	Efi     string
	Options string
	Unknown []string
}

// Marshal renders the entry in loader syntax. The line order is fixed, so
// identical entries always render to identical bytes.
func (e *Entry) Marshal() []byte {
	var b bytes.Buffer
	directive := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s %s\n", key, value)
		}
	}
	directive("title", e.Title)
	directive("version", e.Version)
	directive("linux", e.Linux)
	for _, initrd := range e.Initrd {
		directive("initrd", initrd)
	}
	directive("efi", e.Efi)
	directive("options", e.Options)
	for _, line := range e.Unknown {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// ParseEntry decodes a loader entry file. Blank lines and comments are
// dropped; directives this package does not model are collected in Unknown.
// An entry that names neither a kernel nor an EFI image is rejected, as the
// loader cannot boot it.
func ParseEntry(data []byte) (*Entry, error) {
	e := &Entry{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value := splitDirective(line)
		switch key {
		case "title":
			e.Title = value
		case "version":
			e.Version = value
		case "linux":
			e.Linux = value
		case "initrd":
			e.Initrd = append(e.Initrd, value)
		case "efi":
			e.Efi = value
		case "options":
			e.Options = value
		default:
			e.Unknown = append(e.Unknown, line)
		}
	}
	if e.Linux == "" && e.Efi == "" {
		return nil, fmt.Errorf("entry declares neither a linux nor an efi image")
	}
	return e, nil
}

// RootOption returns the value of the root= token on the options line, or
// the empty string if there is none.
func (e *Entry) RootOption() string {
	for _, tok := range strings.Fields(e.Options) {
		if strings.HasPrefix(tok, "root=") {
			return strings.TrimPrefix(tok, "root=")
		}
	}
	return ""
}

func splitDirective(line string) (key, value string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx:])
}
