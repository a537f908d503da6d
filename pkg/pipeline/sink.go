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

package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"

	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/runner"
)

// folderSink persists stage artifacts on the submission folder. Growing
// artifacts keep one file record across stages, located through the folder
// metadata; per stage files get a fresh record each.
type folderSink struct {
	store  *models.Store
	folder *models.Folder
}

var _ runner.Sink = &folderSink{}

func (s *folderSink) OpenAccumulated(ctx context.Context, name string) (io.ReadCloser, error) {
	id := metaFileID(s.folder, name)
	if id == 0 {
		return nil, os.ErrNotExist
	}
	file, err := s.store.GetFileRecord(ctx, id)
	if err != nil {
		// a stamped id pointing nowhere counts as absent, the artifact
		// restarts from this stage
		return nil, os.ErrNotExist
	}
	return s.store.OpenFile(ctx, file)
}

func (s *folderSink) StoreAccumulated(ctx context.Context, name string, path string) error {
	if id := metaFileID(s.folder, name); id != 0 {
		if existing, err := s.store.GetFileRecord(ctx, id); err == nil {
			return s.store.UpdateFileFromPath(ctx, existing, path)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	file, err := s.store.SaveFileFromReader(ctx, s.folder, name, f)
	if err != nil {
		return err
	}
	return s.store.SetFolderMeta(ctx, s.folder, map[string]interface{}{
		models.MetaFileIDKey(name): file.ID,
	})
}

func (s *folderSink) StoreStageFile(ctx context.Context, name string, content []byte) error {
	_, err := s.store.SaveFileFromReader(ctx, s.folder, name, bytes.NewReader(content))
	return err
}
