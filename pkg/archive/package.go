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

package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// PackageZip writes a deflate compressed zip of dir at outPath, skipping
// ignored dirs and outPath itself. Symlinks are stored as symlink entries
// holding their literal target. extras maps archive names to source files
// added on top, e.g. provenance sidecars under "tro/".
func PackageZip(dir string, outPath string, extras map[string]string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	absOut, err := filepath.Abs(outPath)
	if err != nil {
		return err
	}

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir && IsIgnoredDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if abs, err := filepath.Abs(path); err == nil && abs == absOut {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			linkdest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
			hdr.SetMode(info.Mode())
			w, err := zw.CreateHeader(hdr)
			if err != nil {
				return err
			}
			_, err = w.Write([]byte(linkdest))
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		return err
	})
	if walkErr != nil {
		return walkErr
	}

	// extras in stable order
	names := make([]string, 0, len(extras))
	for name := range extras {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src, err := os.Open(extras[name])
		if err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.ToSlash(name), Method: zip.Deflate})
		if err != nil {
			src.Close()
			return err
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			return err
		}
		src.Close()
	}

	return zw.Close()
}
