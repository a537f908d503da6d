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
	"fmt"
	"io"
)

const (
	KindFilesystem = "filesystem"
	KindS3         = "s3"
)

type Options struct {
	Kind string     `json:"kind,omitempty" description:"assetstore kind (filesystem or s3)"`
	Root string     `json:"root,omitempty" description:"filesystem assetstore root directory"`
	S3   *S3Options `json:"s3,omitempty"`
}

func NewDefaultOptions() *Options {
	return &Options{
		Kind: KindFilesystem,
		Root: "data/assetstore",
		S3:   NewDefaultS3Options(),
	}
}

// Assetstore stores blob content behind opaque keys.
type Assetstore interface {
	// Put stores the stream and returns the blob key, size and sha256.
	Put(ctx context.Context, r io.Reader) (key string, size int64, sha256sum string, err error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

func New(ctx context.Context, opts *Options) (Assetstore, error) {
	switch opts.Kind {
	case "", KindFilesystem:
		return NewFilesystemStore(opts.Root)
	case KindS3:
		return NewS3Store(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("unknown assetstore kind %q", opts.Kind)
	}
}
