// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// This file does not contain actual tests, but contains mock implementations
// of the system interfaces the engine runs against.

package bootmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	efi "github.com/canonical/go-efilib"
)

type NoEFIVariables struct{}

func (NoEFIVariables) ListVariables() ([]efi.VariableDescriptor, error) {
	return nil, efi.ErrVarsUnavailable
}

func (NoEFIVariables) GetVariable(guid efi.GUID, name string) ([]byte, efi.VariableAttributes, error) {
	return nil, 0, efi.ErrVarsUnavailable
}

func (NoEFIVariables) SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error {
	return efi.ErrVarsUnavailable
}

type mockEFIVariable struct {
	data  []byte
	attrs efi.VariableAttributes
}

type MockEFIVariables struct {
	store map[efi.VariableDescriptor]mockEFIVariable
}

func (m MockEFIVariables) ListVariables() (out []efi.VariableDescriptor, err error) {
	for k := range m.store {
		out = append(out, k)
	}
	return out, nil
}

func (m MockEFIVariables) GetVariable(guid efi.GUID, name string) (data []byte, attrs efi.VariableAttributes, err error) {
	out, ok := m.store[efi.VariableDescriptor{Name: name, GUID: guid}]
	if !ok {
		return nil, 0, efi.ErrVarNotExist
	}
	return out.data, out.attrs, nil
}

func (m *MockEFIVariables) SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error {
	if m.store == nil {
		m.store = make(map[efi.VariableDescriptor]mockEFIVariable)
	}
	if len(data) == 0 {
		delete(m.store, efi.VariableDescriptor{Name: name, GUID: guid})
	} else {
		m.store[efi.VariableDescriptor{Name: name, GUID: guid}] = mockEFIVariable{data, attrs}
	}
	return nil
}

// fakeRunner answers external commands from a canned table keyed by the
// full command line. Commands without an entry fail loudly.
type fakeRunner struct {
	outputs map[string][]byte
	errors  map[string]error
	calls   []string
}

func (r *fakeRunner) Run(name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, key)
	if err, ok := r.errors[key]; ok {
		return r.outputs[key], err
	}
	out, ok := r.outputs[key]
	if !ok {
		return nil, fmt.Errorf("unexpected command %q", key)
	}
	return out, nil
}

func (r *fakeRunner) ran(key string) int {
	n := 0
	for _, call := range r.calls {
		if call == key {
			n++
		}
	}
	return n
}

// fakeLoader stands in for bootctl. Listing walks the entry files on the
// in-memory partition like the real tool would; the installation state
// and the menu default live in memory.
type fakeLoader struct {
	installed     bool
	defaultEntry  string
	installs      int
	updates       int
	setCalls      []string
	installErr    error
	updateErr     error
	listErr       error
	setDefaultErr error
}

func (b *fakeLoader) Install(espPath string) error {
	b.installs++
	if b.installErr != nil {
		return b.installErr
	}
	b.installed = true
	return nil
}

func (b *fakeLoader) Update(espPath string) error {
	b.updates++
	return b.updateErr
}

func (b *fakeLoader) IsInstalled(espPath string) (bool, error) {
	return b.installed, nil
}

func (b *fakeLoader) ListEntries(espPath string) ([]LoaderEntry, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	names, err := listEntryFiles(espPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	var entries []LoaderEntry
	for _, name := range names {
		entries = append(entries, LoaderEntry{
			Type:      "type1",
			ID:        name,
			IsDefault: name == b.defaultEntry,
		})
	}
	return entries, nil
}

func (b *fakeLoader) SetDefault(espPath, id string) error {
	if b.setDefaultErr != nil {
		return b.setDefaultErr
	}
	b.setCalls = append(b.setCalls, id)
	b.defaultEntry = id
	return nil
}

// fakeMounter materializes canned device contents below the mount target
// and clears the target again on unmount.
type fakeMounter struct {
	trees    map[string]map[string]string
	failOnce map[string]error
	mounts   []string
	unmounts []string
}

func (m *fakeMounter) Mount(device, target string) error {
	m.mounts = append(m.mounts, device)
	if err, ok := m.failOnce[device]; ok {
		delete(m.failOnce, device)
		return err
	}
	tree, ok := m.trees[device]
	if !ok {
		return fmt.Errorf("mount: no such device %s", device)
	}
	for name, content := range tree {
		full := filepath.Join(target, name)
		if err := appFs.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := WriteFile(full, []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMounter) Unmount(target string, force bool) error {
	m.unmounts = append(m.unmounts, target)
	return appFs.RemoveAll(target)
}

// fakeDevices serves a canned device enumeration.
type fakeDevices struct {
	devices []BlockDevice
	err     error
}

func (d *fakeDevices) ListBlockDevices() ([]BlockDevice, error) {
	return d.devices, d.err
}

// fakeProber serves a canned os-prober result.
type fakeProber struct {
	systems []ForeignOS
	err     error
	probes  int
}

func (p *fakeProber) Probe() ([]ForeignOS, error) {
	p.probes++
	return p.systems, p.err
}

// fakeSpace serves canned space measurements. With budgets set, each
// measurement consumes one entry; afterwards budget answers every call.
type fakeSpace struct {
	budget   EspBudget
	budgets  []EspBudget
	err      error
	measures int
}

func (s *fakeSpace) Measure(path string) (EspBudget, error) {
	s.measures++
	if s.err != nil {
		return EspBudget{}, s.err
	}
	if len(s.budgets) > 0 {
		budget := s.budgets[0]
		s.budgets = s.budgets[1:]
		return budget, nil
	}
	return s.budget, nil
}
