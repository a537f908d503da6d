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

package models

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/pkg/namesgenerator"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"reprun.io/reprun/pkg/storage"
)

// Store bundles the database records with the blob assetstore. All blob
// content flows through the assetstore, records only hold keys.
type Store struct {
	db     *gorm.DB
	assets storage.Assetstore
}

func NewStore(db *gorm.DB, assets storage.Assetstore) *Store {
	return &Store{db: db, assets: assets}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) GetUser(ctx context.Context, id uint) (*User, error) {
	user := &User{}
	if err := s.db.WithContext(ctx).First(user, id).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) GetUserByName(ctx context.Context, username string) (*User, error) {
	user := &User{}
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) SetUserLastJob(ctx context.Context, userID uint, jobID uint) error {
	return s.db.WithContext(ctx).Model(&User{ID: userID}).Update("last_job_id", jobID).Error
}

func (s *Store) GetFolder(ctx context.Context, id uint) (*Folder, error) {
	folder := &Folder{}
	if err := s.db.WithContext(ctx).First(folder, id).Error; err != nil {
		return nil, err
	}
	return folder, nil
}

// CreateRandomFolder creates a randomly named folder for one submission.
func (s *Store) CreateRandomFolder(ctx context.Context, parentID uint, creatorID uint) (*Folder, error) {
	parent := parentID
	folder := &Folder{
		Name:      namesgenerator.GetRandomName(0),
		ParentID:  &parent,
		CreatorID: creatorID,
		Meta:      datatypes.JSONMap{},
	}
	if err := s.db.WithContext(ctx).Create(folder).Error; err != nil {
		return nil, GetErrMessage(err)
	}
	return folder, nil
}

// SetFolderMeta merges the given keys into the folder metadata, last write
// wins per key.
func (s *Store) SetFolderMeta(ctx context.Context, folder *Folder, kvs map[string]interface{}) error {
	if folder.Meta == nil {
		folder.Meta = datatypes.JSONMap{}
	}
	for k, v := range kvs {
		folder.Meta[k] = v
	}
	return s.db.WithContext(ctx).Model(folder).Update("meta", folder.Meta).Error
}

func (s *Store) GetFileRecord(ctx context.Context, id uint) (*FileRecord, error) {
	file := &FileRecord{}
	if err := s.db.WithContext(ctx).First(file, id).Error; err != nil {
		return nil, err
	}
	return file, nil
}

func (s *Store) MoveFile(ctx context.Context, file *FileRecord, folder *Folder) error {
	file.FolderID = &folder.ID
	return s.db.WithContext(ctx).Model(file).Update("folder_id", folder.ID).Error
}

func (s *Store) SaveFileFromReader(ctx context.Context, folder *Folder, name string, r io.Reader) (*FileRecord, error) {
	key, size, sum, err := s.assets.Put(ctx, r)
	if err != nil {
		return nil, err
	}
	file := &FileRecord{
		Name:     name,
		Size:     size,
		Sha256:   sum,
		MimeType: mimeTypeOf(name),
		FolderID: &folder.ID,
		AssetKey: key,
	}
	if err := s.db.WithContext(ctx).Create(file).Error; err != nil {
		// keep the assetstore free of unreferenced blobs
		_ = s.assets.Delete(ctx, key)
		return nil, GetErrMessage(err)
	}
	return file, nil
}

func (s *Store) SaveFileFromPath(ctx context.Context, folder *Folder, path string) (*FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.SaveFileFromReader(ctx, folder, filepath.Base(path), f)
}

func (s *Store) OpenFile(ctx context.Context, file *FileRecord) (io.ReadCloser, error) {
	return s.assets.Open(ctx, file.AssetKey)
}

// UpdateFileFromPath replaces the file content keeping the record id.
func (s *Store) UpdateFileFromPath(ctx context.Context, file *FileRecord, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	key, size, sum, err := s.assets.Put(ctx, f)
	if err != nil {
		return err
	}
	oldkey := file.AssetKey
	file.AssetKey, file.Size, file.Sha256 = key, size, sum
	if err := s.db.WithContext(ctx).Model(file).Updates(map[string]interface{}{
		"asset_key": key,
		"size":      size,
		"sha256":    sum,
	}).Error; err != nil {
		_ = s.assets.Delete(ctx, key)
		return err
	}
	if oldkey != "" && oldkey != key {
		_ = s.assets.Delete(ctx, oldkey)
	}
	return nil
}

// ListFolderFiles returns every file record of one folder.
func (s *Store) ListFolderFiles(ctx context.Context, folderID uint) ([]FileRecord, error) {
	files := []FileRecord{}
	if err := s.db.WithContext(ctx).Where("folder_id = ?", folderID).Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// ListSubmissionFoldersOlderThan returns submission folders created before
// the cutoff, the retention sweeper re-scans them for lost cleanup tasks.
func (s *Store) ListSubmissionFoldersOlderThan(ctx context.Context, cutoff time.Time) ([]Folder, error) {
	folders := []Folder{}
	if err := s.db.WithContext(ctx).
		Where("parent_id = ? AND created_at < ?", SubmissionsRootFolderID, cutoff).
		Find(&folders).Error; err != nil {
		return nil, err
	}
	return folders, nil
}

func (s *Store) DeleteFile(ctx context.Context, file *FileRecord) error {
	if err := s.db.WithContext(ctx).Delete(file).Error; err != nil {
		return err
	}
	if file.AssetKey != "" {
		_ = s.assets.Delete(ctx, file.AssetKey)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetJob(ctx context.Context, id uint) (*Job, error) {
	job := &Job{}
	if err := s.db.WithContext(ctx).First(job, id).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob appends a timestamped line to the job log and moves the status.
func (s *Store) UpdateJob(ctx context.Context, job *Job, line string, status JobStatus) error {
	if line != "" {
		job.Log += fmt.Sprintf("[%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), line)
	}
	job.Status = status
	return s.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"log":    job.Log,
		"status": status,
	}).Error
}

func (s *Store) SetJobTaskUID(ctx context.Context, job *Job, uid string) error {
	job.TaskUID = uid
	return s.db.WithContext(ctx).Model(job).Update("task_uid", uid).Error
}

func mimeTypeOf(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
