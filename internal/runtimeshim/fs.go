// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package runtimeshim implements the sandboxed fs/fetch/env facades (C2)
// handed to plugin code. Every call passes through the permission
// evaluator (C1) before touching the real file system or network.
package runtimeshim

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kb-labs/plugin-runtime/internal/permission"
)

// DirEntry mirrors the stat-augmented directory listing readdirWithStats
// returns.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
	Mode  fs.FileMode
}

// FS is the sandboxed filesystem facade.
type FS struct {
	eval   *permission.Evaluator
	cwd    string
	outdir string
}

func newFS(eval *permission.Evaluator, cwd, outdir string) *FS {
	return &FS{eval: eval, cwd: cwd, outdir: outdir}
}

func (f *FS) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(f.cwd, path))
}

// ReadFile returns the file contents as a string. Permission refusals
// return PermissionDenied; OS errors (not-found etc.) propagate as-is.
func (f *FS) ReadFile(path string) (string, error) {
	b, err := f.ReadFileBuffer(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadFileBuffer returns the file contents as raw bytes.
func (f *FS) ReadFileBuffer(path string) ([]byte, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	return os.ReadFile(f.resolve(path))
}

// WriteOpts configures WriteFile.
type WriteOpts struct {
	Append   bool
	Encoding string // informational; content is always written as bytes
}

// WriteFile writes data to path, auto-creating parent directories.
func (f *FS) WriteFile(path string, data []byte, opts WriteOpts) error {
	if err := f.eval.CheckWrite(path); err != nil {
		return err
	}
	resolved := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if opts.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fh.Write(data)
	return err
}

// Readdir lists entry names under path.
func (f *FS) Readdir(path string) ([]string, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.resolve(path))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// ReaddirWithStats lists entries with basic stat info.
func (f *FS) ReaddirWithStats(path string) ([]DirEntry, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.resolve(path))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size(), Mode: info.Mode()})
	}
	return out, nil
}

// Stat returns file info for path.
func (f *FS) Stat(path string) (os.FileInfo, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	return os.Stat(f.resolve(path))
}

// Exists reports whether path exists, swallowing permission and OS errors
// into false (the plugin-facing contract is a plain boolean).
func (f *FS) Exists(path string) bool {
	if err := f.eval.CheckRead(path); err != nil {
		return false
	}
	_, err := os.Stat(f.resolve(path))
	return err == nil
}

// Mkdir creates path, optionally recursively.
func (f *FS) Mkdir(path string, recursive bool) error {
	if err := f.eval.CheckWrite(path); err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(f.resolve(path), 0o755)
	}
	return os.Mkdir(f.resolve(path), 0o755)
}

// Rm removes path, optionally recursively and force (ignoring not-exist).
func (f *FS) Rm(path string, recursive, force bool) error {
	if err := f.eval.CheckWrite(path); err != nil {
		return err
	}
	resolved := f.resolve(path)
	var err error
	if recursive {
		err = os.RemoveAll(resolved)
	} else {
		err = os.Remove(resolved)
	}
	if force && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Copy copies src to dst; both ends are permission-checked.
func (f *FS) Copy(src, dst string) error {
	data, err := f.ReadFileBuffer(src)
	if err != nil {
		return err
	}
	return f.WriteFile(dst, data, WriteOpts{})
}

// Move copies then removes the source.
func (f *FS) Move(src, dst string) error {
	if err := f.Copy(src, dst); err != nil {
		return err
	}
	return f.Rm(src, false, false)
}

// Join is a pure path helper exposed to plugin code.
func (f *FS) Join(elem ...string) string { return filepath.Join(elem...) }

// Resolve is a pure path helper returning the cwd-resolved absolute path,
// without a permission check — useful for display/logging only.
func (f *FS) Resolve(path string) string { return f.resolve(path) }
