package models

import (
	"time"

	"gorm.io/datatypes"
)

// folder metadata keys stamped during a run; artifact ids land under
// "<artifact>_file_id" via MetaFileIDKey
const (
	MetaStages    = "stages"
	MetaStatus    = "status"
	MetaJobID     = "job_id"
	MetaCreatorID = "creator_id"
)

func MetaFileIDKey(artifact string) string {
	return artifact + "_file_id"
}

// Folder groups every artifact of one submission.
type Folder struct {
	ID        uint   `gorm:"primarykey"`
	Name      string `gorm:"type:varchar(255);index"`
	ParentID  *uint
	Parent    *Folder
	CreatorID uint
	Creator   *User
	// free form metadata, last write wins per key
	Meta      datatypes.JSONMap
	CreatedAt time.Time
	UpdatedAt time.Time
}
