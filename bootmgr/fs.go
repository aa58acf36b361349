// This file is part of sdbootmgr
// Copyright 2022 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package bootmgr

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FS abstracts away the filesystem.
//
// We really wanted to use afero here because it does all the magic for us,
// but it doubles our binary size, so that seems a tad much. It still backs
// the in-memory filesystem in the tests.
type FS interface {
	// Create behaves like os.Create()
	Create(path string) (io.WriteCloser, error)
	// MkdirAll behaves like os.MkdirAll()
	MkdirAll(path string, perm os.FileMode) error
	// Open behaves like os.Open()
	Open(path string) (io.ReadSeekCloser, error)
	// ReadDir behaves like os.ReadDir()
	ReadDir(path string) ([]os.DirEntry, error)
	// Remove behaves like os.Remove()
	Remove(path string) error
	// RemoveAll behaves like os.RemoveAll()
	RemoveAll(path string) error
	// Rename behaves like os.Rename()
	Rename(oldpath, newpath string) error
	// Stat behaves like os.Stat()
	Stat(path string) (os.FileInfo, error)
}

// realFS implements FS using the os package
type realFS struct{}

func (realFS) Create(path string) (io.WriteCloser, error)   { return os.Create(path) }
func (realFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (realFS) Open(path string) (io.ReadSeekCloser, error)  { return os.Open(path) }
func (realFS) ReadDir(path string) ([]os.DirEntry, error)   { return os.ReadDir(path) }
func (realFS) Remove(path string) error                     { return os.Remove(path) }
func (realFS) RemoveAll(path string) error                  { return os.RemoveAll(path) }
func (realFS) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) }
func (realFS) Stat(path string) (os.FileInfo, error)        { return os.Stat(path) }

// appFs is our default FS
var appFs FS = realFS{}

// ReadFile returns the contents of the file at path.
func ReadFile(path string) ([]byte, error) {
	file, err := appFs.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// WriteFile replaces the file at path with data, creating it if needed.
func WriteFile(path string, data []byte) error {
	file, err := appFs.Create(path)
	if err != nil {
		return fmt.Errorf("Could not open %s for writing: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("Could not write %s: %w", path, err)
	}
	return file.Close()
}

// MaybeUpdateFile copies src to dst if they are different.
// It returns true if the destination file was successfully updated. If the return value
// is false, the state of the destination is unspecified. It might not exist, exist
// with partial data or exist with old data, amongst others.
func MaybeUpdateFile(dst string, src string) (bool, error) {
	srcFile, err := appFs.Open(src)
	if err != nil {
		return false, fmt.Errorf("Could not open source file: %w", err)
	}
	defer srcFile.Close()

	if needUpdate, err := needUpdateFile(dst, src, srcFile); !needUpdate {
		return false, err
	}

	dstFile, err := appFs.Create(dst)
	if err != nil {
		return false, fmt.Errorf("Could not open %s for writing: %w", dst, err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return false, fmt.Errorf("Could not copy %s to %s: %w", src, dst, err)
	}
	return true, nil
}

func needUpdateFile(dst string, src string, srcFile io.ReadSeeker) (bool, error) {
	// To keep things simple, but not have the files in memory, just hash them
	dstHash := sha256.New()
	srcHash := sha256.New()

	dstFile, err := appFs.Open(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("Could not open destination file: %w", err)
	}

	defer dstFile.Close()

	if _, err := io.Copy(dstHash, dstFile); err != nil {
		return false, fmt.Errorf("Could not hash destination file %s: %w", dst, err)
	}
	if _, err := io.Copy(srcHash, srcFile); err != nil {
		return false, fmt.Errorf("Could not hash source file %s: %w", src, err)
	}
	if bytes.Equal(dstHash.Sum(nil), srcHash.Sum(nil)) {
		return false, nil
	}

	if _, err := srcFile.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("Could not seek in source file %s: %w", src, err)
	}

	return true, nil
}

// MaybeUpdateBytes writes data to dst if the current contents differ.
// Generated files go through this so that a no-change run leaves their
// timestamps alone and reports zero updates.
func MaybeUpdateBytes(dst string, data []byte) (bool, error) {
	current, err := ReadFile(dst)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("Could not read destination file: %w", err)
	}
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err := WriteFile(dst, data); err != nil {
		return false, err
	}
	return true, nil
}

// CopyTree replicates the directory tree rooted at src below dst, updating
// only files whose contents differ. Files present under dst but not under
// src are left alone. It returns the number of files updated.
func CopyTree(dst string, src string) (int, error) {
	entries, err := appFs.ReadDir(src)
	if err != nil {
		return 0, fmt.Errorf("Could not read source directory %s: %w", src, err)
	}
	if err := appFs.MkdirAll(dst, 0755); err != nil {
		return 0, fmt.Errorf("Could not create %s: %w", dst, err)
	}
	updated := 0
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			n, err := CopyTree(dstPath, srcPath)
			updated += n
			if err != nil {
				return updated, err
			}
			continue
		}
		wrote, err := MaybeUpdateFile(dstPath, srcPath)
		if err != nil {
			return updated, err
		}
		if wrote {
			updated++
		}
	}
	return updated, nil
}
