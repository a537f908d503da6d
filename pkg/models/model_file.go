package models

import (
	"time"
)

// FileRecord points at one blob in the assetstore.
type FileRecord struct {
	ID       uint   `gorm:"primarykey"`
	Name     string `gorm:"type:varchar(255);index"`
	Size     int64
	Sha256   string `gorm:"type:varchar(64)"`
	MimeType string `gorm:"type:varchar(100)"`
	FolderID *uint
	Folder   *Folder
	// key into the assetstore, opaque to callers
	AssetKey  string `gorm:"type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
