// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package loaderconf

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Config models the directives of loader.conf that the manager controls.
// A negative Timeout means the directive is absent and the loader default
// applies. Directives outside this set (auto-entries, beep, ...) are left
// to the loader's own defaults and are not round-tripped.
type Config struct {
	Default     string
	Timeout     int
	Editor      bool
	ConsoleMode string
}

// Marshal renders the configuration in loader.conf syntax. The editor
// directive is always written: the loader defaults to an enabled editor,
// so disabling it only takes effect when stated explicitly.
func (c *Config) Marshal() []byte {
	var b bytes.Buffer
	if c.Default != "" {
		fmt.Fprintf(&b, "default %s\n", c.Default)
	}
	if c.Timeout >= 0 {
		fmt.Fprintf(&b, "timeout %d\n", c.Timeout)
	}
	fmt.Fprintf(&b, "editor %s\n", marshalBool(c.Editor))
	if c.ConsoleMode != "" {
		fmt.Fprintf(&b, "console-mode %s\n", c.ConsoleMode)
	}
	return b.Bytes()
}

// ParseConfig decodes loader.conf. Directives not modelled by Config are
// ignored rather than rejected, since the file is shared with the loader
// itself and other tooling.
func ParseConfig(data []byte) (*Config, error) {
	c := &Config{Timeout: -1, Editor: true}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value := splitDirective(line)
		switch key {
		case "default":
			c.Default = value
		case "timeout":
			timeout, ok, err := parseTimeout(value)
			if err != nil {
				return nil, err
			}
			if ok {
				c.Timeout = timeout
			}
		case "editor":
			editor, err := parseBool(value)
			if err != nil {
				return nil, err
			}
			c.Editor = editor
		case "console-mode":
			c.ConsoleMode = value
		}
	}
	return c, nil
}

func parseTimeout(value string) (timeout int, ok bool, err error) {
	// The loader accepts two symbolic spellings next to plain seconds.
	// menu-hidden is the same as zero seconds; menu-force has no numeric
	// equivalent and is left unmodelled.
	switch value {
	case "menu-hidden":
		return 0, true, nil
	case "menu-force":
		return 0, false, nil
	}
	timeout, err = strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("cannot parse timeout %q: %w", value, err)
	}
	return timeout, true, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y", "true", "t", "on", "1":
		return true, nil
	case "no", "n", "false", "f", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("cannot parse boolean %q", value)
}

func marshalBool(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
