// Copyright 2024 The reprun.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive stages uploaded submission archives into a workspace and
// packages executed workspaces back into replication zips.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultDirMode  = 0o755
	defaultFileMode = 0o644
)

// IgnoreDirs are never packaged nor hashed into provenance.
var IgnoreDirs = []string{".git", "__pycache__"}

func IsIgnoredDir(name string) bool {
	for _, d := range IgnoreDirs {
		if name == d {
			return true
		}
	}
	return false
}

// WorkspaceExtractionError marks an archive that cannot be staged safely.
type WorkspaceExtractionError struct {
	Reason string
}

func (e *WorkspaceExtractionError) Error() string {
	return "workspace extraction failed: " + e.Reason
}

func extractionError(format string, args ...interface{}) *WorkspaceExtractionError {
	return &WorkspaceExtractionError{Reason: fmt.Sprintf(format, args...)}
}

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// Extract stages the archive at src into dir. The format is sniffed from the
// content, never from the file name.
func Extract(src string, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch {
	case bytes.HasPrefix(magic[:n], zipMagic):
		return extractZip(f, dir)
	case bytes.HasPrefix(magic[:n], gzipMagic):
		return extractTarGz(f, dir)
	default:
		return extractionError("unsupported archive format")
	}
}

func extractZip(f *os.File, dir string) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	zipr, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return extractionError("corrupt zip: %v", err)
	}

	for _, file := range zipr.File {
		target, err := secureJoin(dir, file.Name)
		if err != nil {
			return err
		}
		mode := file.Mode()
		switch {
		case file.FileInfo().IsDir():
			if err := os.MkdirAll(target, defaultDirMode); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			src, err := file.Open()
			if err != nil {
				return err
			}
			linkdest, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				return err
			}
			if err := placeSymlink(dir, target, string(linkdest)); err != nil {
				return err
			}
		default:
			if err := writeEntry(target, mode, func(w io.Writer) error {
				src, err := file.Open()
				if err != nil {
					return err
				}
				defer src.Close()
				_, err = io.Copy(w, src)
				return err
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractTarGz(f io.Reader, dir string) error {
	gz, err := gzip.NewReader(f)
	if err != nil {
		return extractionError("corrupt gzip: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extractionError("corrupt tar: %v", err)
		}

		target, err := secureJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, defaultDirMode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := placeSymlink(dir, target, hdr.Linkname); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, hdr.FileInfo().Mode(), func(w io.Writer) error {
				_, err := io.Copy(w, tr)
				return err
			}); err != nil {
				return err
			}
		default:
			return extractionError("unsupported entry type for %q", hdr.Name)
		}
	}
	return nil
}

func writeEntry(target string, mode os.FileMode, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = defaultFileMode
	}
	dest, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := fill(dest); err != nil {
		dest.Close()
		return err
	}
	if err := dest.Close(); err != nil {
		return err
	}
	// the umask may have masked bits off at create time
	return os.Chmod(target, perm)
}

// secureJoin resolves an archive entry name inside dir, rejecting escapes.
func secureJoin(dir, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return "", extractionError("absolute path %q", name)
	}
	target := filepath.Join(dir, name)
	if !within(dir, target) {
		return "", extractionError("path %q escapes the workspace", name)
	}
	return target, nil
}

// placeSymlink creates a symlink entry after checking the resolved target
// stays inside the workspace.
func placeSymlink(dir, target, linkdest string) error {
	resolved := linkdest
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(target), linkdest)
	}
	if !within(dir, resolved) {
		return extractionError("link target %q escapes the workspace", linkdest)
	}
	if err := os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return err
	}
	// tolerate re-extraction over an existing link
	os.Remove(target)
	return os.Symlink(linkdest, target)
}

func within(dir, target string) bool {
	dir = filepath.Clean(dir)
	target = filepath.Clean(target)
	return target == dir || strings.HasPrefix(target, dir+string(os.PathSeparator))
}
