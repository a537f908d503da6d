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

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
)

var _ Assetstore = &FilesystemStore{}

// FilesystemStore keeps blobs content addressed under
// <root>/<sha[0:2]>/<sha[2:4]>/<sha>.
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, err
	}
	return &FilesystemStore{root: root}, nil
}

func (f *FilesystemStore) Put(ctx context.Context, r io.Reader) (string, int64, string, error) {
	tmp, err := os.CreateTemp(filepath.Join(f.root, "tmp"), "upload-*")
	if err != nil {
		return "", 0, "", err
	}
	tmpname := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpname)
		return "", 0, "", err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	key := path.Join(sum[:2], sum[2:4], sum)
	target := filepath.Join(f.root, filepath.FromSlash(key))
	if _, err := os.Stat(target); err == nil {
		// same content already stored
		os.Remove(tmpname)
		return key, size, sum, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		os.Remove(tmpname)
		return "", 0, "", err
	}
	if err := os.Rename(tmpname, target); err != nil {
		os.Remove(tmpname)
		return "", 0, "", err
	}
	return key, size, sum, nil
}

func (f *FilesystemStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(f.root, filepath.FromSlash(key)))
}

func (f *FilesystemStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(f.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
