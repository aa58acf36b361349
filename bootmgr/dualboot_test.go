// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"errors"

	"gopkg.in/check.v1"
)

type dualBootSuite struct {
	worldMixin
}

var _ = check.Suite(&dualBootSuite{})

// addForeignDisk models a second disk with its own EFI system partition
// and root filesystem.
func (s *dualBootSuite) addForeignDisk() {
	s.devices.devices = append(hostDevices(), BlockDevice{
		Name: "sdb", Path: "/dev/sdb", Type: "disk",
		Children: []BlockDevice{{
			Name: "sdb1", Path: "/dev/sdb1", Type: "part", FSType: "vfat",
			UUID: "B0B0-1111", PartUUID: "8f0a2f5b-30ad-4f8f-bd5c-383e27bd2f9e",
		}, {
			Name: "sdb2", Path: "/dev/sdb2", Type: "part", FSType: "ext4",
			UUID: "5f8a5f04-96e2-44ae-8cde-9a1f0b9e7c66", PartUUID: "be69f9c2-9b73-4c5a-85db-5f12995e1b10",
		}},
	})
}

func (s *dualBootSuite) TestMergeWindows(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb1",
		Loader: "/EFI/Microsoft/Boot/bootmgfw.efi",
		Name:   "Windows Boot Manager",
		Label:  "Windows",
		Type:   "efi",
	}}
	s.mounter.trees["/dev/sdb1"] = map[string]string{
		"EFI/Microsoft/Boot/bootmgfw.efi": "windows loader",
		"EFI/Microsoft/Boot/BCD":          "configuration store",
	}

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, true)
	c.Check(report.Warnings, check.HasLen, 0)
	c.Check(s.readFile(c, testEsp+"/EFI/Microsoft/Boot/bootmgfw.efi"), check.Equals, "windows loader")
	c.Check(s.mounter.unmounts, check.DeepEquals, []string{scratchDir})

	// The boot files are already current, a second merge changes nothing.
	report = MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, false)
}

func (s *dualBootSuite) TestMergeWindowsOnManagedPartition(c *check.C) {
	// Windows installed onto our partition is listed by the loader on its
	// own and must not be copied onto itself.
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sda1",
		Loader: "/EFI/Microsoft/Boot/bootmgfw.efi",
		Name:   "Windows Boot Manager",
		Label:  "Windows",
		Type:   "efi",
	}}

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, false)
	c.Check(s.mounter.mounts, check.HasLen, 0)
}

func (s *dualBootSuite) TestMergeWindowsWithoutSpace(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb1", Loader: "/EFI/Microsoft/Boot/bootmgfw.efi",
		Name: "Windows Boot Manager", Label: "Windows", Type: "efi",
	}}
	s.mounter.trees["/dev/sdb1"] = map[string]string{
		"EFI/Microsoft/Boot/bootmgfw.efi": "windows loader",
	}
	s.space.budget = EspBudget{TotalBytes: 512 * 1024 * 1024, UsedBytes: 512*1024*1024 - 64*1024*1024 - 5}

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 0)
	c.Assert(report.Warnings, check.HasLen, 1)
	c.Check(report.Warnings[0], check.Matches, "could not merge Windows on /dev/sdb1: not enough space.*")
	c.Check(s.exists(testEsp+"/EFI/Microsoft"), check.Equals, false)
}

func (s *dualBootSuite) TestMergeForeignSdBoot(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb2", Name: "Fedora Linux 38", Label: "Fedora", Type: "linux",
	}}
	s.mounter.trees["/dev/sdb2"] = map[string]string{
		"etc/fstab": "UUID=5f8a5f04-96e2-44ae-8cde-9a1f0b9e7c66 / ext4 defaults 0 1\n" +
			"UUID=B0B0-1111 /boot/efi vfat umask=0077 0 1\n",
		"etc/os-release": "ID=fedora\nPRETTY_NAME=\"Fedora Linux 38\"\n",
	}
	foreignEntry := "title Fedora Linux 38\nlinux /EFI/fedora/vmlinuz\ninitrd /EFI/fedora/initrd\n"
	s.mounter.trees["/dev/sdb1"] = map[string]string{
		"loader/entries/fedora.conf": foreignEntry,
		"EFI/fedora/vmlinuz":         "fedora kernel",
		"EFI/fedora/initrd":          "fedora initrd",
	}

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, true)
	c.Check(report.Warnings, check.HasLen, 0)
	c.Check(s.mounter.mounts, check.DeepEquals, []string{"/dev/sdb2", "/dev/sdb1"})
	c.Check(s.readFile(c, testEsp+"/loader/entries/fedora.conf"), check.Equals, foreignEntry)
	c.Check(s.readFile(c, testEsp+"/EFI/fedora/vmlinuz"), check.Equals, "fedora kernel")
	c.Check(s.readFile(c, testEsp+"/EFI/fedora/initrd"), check.Equals, "fedora initrd")
}

func (s *dualBootSuite) TestMergeForeignSdBootNameCollision(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb2", Name: "Fedora Linux 38", Label: "Fedora", Type: "linux",
	}}
	s.mounter.trees["/dev/sdb2"] = map[string]string{
		"etc/fstab":      "UUID=B0B0-1111 /boot/efi vfat umask=0077 0 1\n",
		"etc/os-release": "ID=fedora\n",
	}
	foreignEntry := "title Fedora Linux 38\nlinux /EFI/fedora/vmlinuz\n"
	s.mounter.trees["/dev/sdb1"] = map[string]string{
		"loader/entries/fedora.conf": foreignEntry,
		"EFI/fedora/vmlinuz":         "fedora kernel",
	}
	// A different entry of the same name is already in the menu.
	s.writeFile(c, testEsp+"/loader/entries/fedora.conf", "title Old Fedora\nlinux /EFI/old/vmlinuz\n")

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, true)
	c.Check(s.readFile(c, testEsp+"/loader/entries/fedora-1.conf"), check.Equals, foreignEntry)
	c.Check(s.readFile(c, testEsp+"/loader/entries/fedora.conf"), check.Equals,
		"title Old Fedora\nlinux /EFI/old/vmlinuz\n")

	// Merging again finds the stepped name already current.
	report = MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, false)
	c.Check(s.exists(testEsp+"/loader/entries/fedora-2.conf"), check.Equals, false)
}

func (s *dualBootSuite) TestBridgeGrubSystem(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb2", Name: "Debian GNU/Linux 12 (bookworm)", Label: "Debian", Type: "linux",
	}}
	s.mounter.trees["/dev/sdb2"] = map[string]string{
		"etc/fstab":      "UUID=B0B0-1111 /boot/efi vfat umask=0077 0 1\n",
		"etc/os-release": "ID=debian\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n",
	}
	s.mounter.trees["/dev/sdb1"] = map[string]string{
		"EFI/debian/grubx64.efi": "grub image",
		"EFI/BOOT/BOOTX64.EFI":   "fallback copy",
	}

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, true)
	c.Check(report.Warnings, check.HasLen, 0)
	c.Check(s.readFile(c, testEsp+"/EFI/debian-bridge/grubx64.efi"), check.Equals, "grub image")
	c.Check(s.readFile(c, testEsp+"/loader/entries/debian.conf"), check.Equals,
		"title Debian GNU/Linux 12 (bookworm)\nefi /EFI/debian-bridge/grubx64.efi\n")
}

func (s *dualBootSuite) TestMergeSkipsLinuxOnManagedPartition(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb2", Name: "Fedora Linux 38", Label: "Fedora", Type: "linux",
	}}
	// Its fstab mounts our partition, so its entries are already in place.
	s.mounter.trees["/dev/sdb2"] = map[string]string{
		"etc/fstab":      "UUID=7D2C-1A0F /boot/efi vfat umask=0077 0 1\n",
		"etc/os-release": "ID=fedora\n",
	}

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Changed, check.Equals, false)
	c.Check(s.mounter.mounts, check.DeepEquals, []string{"/dev/sdb2"})
}

func (s *dualBootSuite) TestMergeWarnsWithoutFstabEsp(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb2", Name: "Fedora Linux 38", Label: "Fedora", Type: "linux",
	}}
	s.mounter.trees["/dev/sdb2"] = map[string]string{
		"etc/fstab":      "/dev/sdb2 / ext4 defaults 0 1\n",
		"etc/os-release": "ID=fedora\n",
	}

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 0)
	c.Assert(report.Warnings, check.HasLen, 1)
	c.Check(report.Warnings[0], check.Equals,
		"could not merge Fedora on /dev/sdb2: its fstab declares no EFI system partition")
}

func (s *dualBootSuite) TestMergeRetriesStaleScratchMount(c *check.C) {
	s.addForeignDisk()
	s.prober.systems = []ForeignOS{{
		Device: "/dev/sdb1", Loader: "/EFI/Microsoft/Boot/bootmgfw.efi",
		Name: "Windows Boot Manager", Label: "Windows", Type: "efi",
	}}
	s.mounter.trees["/dev/sdb1"] = map[string]string{
		"EFI/Microsoft/Boot/bootmgfw.efi": "windows loader",
	}
	s.mounter.failOnce["/dev/sdb1"] = errors.New("target is busy")

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 1)
	c.Check(report.Warnings, check.HasLen, 0)
	c.Check(s.mounter.mounts, check.DeepEquals, []string{"/dev/sdb1", "/dev/sdb1"})
	c.Check(s.mounter.unmounts, check.HasLen, 2)
}

func (s *dualBootSuite) TestMergeProberFailure(c *check.C) {
	s.prober.err = errors.New("os-prober: exit status 1")

	report := MergeForeignSystems(testEsp)
	c.Check(report.Merged, check.Equals, 0)
	c.Assert(report.Warnings, check.HasLen, 1)
	c.Check(report.Warnings[0], check.Matches, "could not probe for other operating systems: .*")
}

func (s *dualBootSuite) TestPayloadDirOf(c *check.C) {
	c.Check(payloadDirOf("/EFI/fedora/vmlinuz"), check.Equals, "EFI/fedora")
	c.Check(payloadDirOf("EFI/fedora/vmlinuz"), check.Equals, "EFI/fedora")
	c.Check(payloadDirOf("//EFI//debian//grub.efi"), check.Equals, "EFI/debian")
	c.Check(payloadDirOf("/custom/kernel"), check.Equals, "custom")
	// The loader directory is never a payload, nor are top-level files
	// or a bare vendor directory.
	c.Check(payloadDirOf("/loader/entries/a.conf"), check.Equals, "")
	c.Check(payloadDirOf("/vmlinuz"), check.Equals, "")
	c.Check(payloadDirOf("/EFI/orphan"), check.Equals, "")
}

func (s *dualBootSuite) TestBridgeSlug(c *check.C) {
	c.Check(bridgeSlug(OSRelease{ID: "fedora"}, &ForeignOS{}), check.Equals, "fedora")
	c.Check(bridgeSlug(OSRelease{ID: "linux"}, &ForeignOS{Label: "My Linux!"}), check.Equals, "my-linux")
	c.Check(bridgeSlug(OSRelease{}, &ForeignOS{Label: "SUSE Enterprise 15"}), check.Equals, "suse-enterprise-15")
	c.Check(bridgeSlug(OSRelease{}, &ForeignOS{Label: "???"}), check.Equals, "other")
}
