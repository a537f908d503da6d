package models

import (
	"time"
)

type JobStatus int

// stored numeric values, do not reorder
const (
	JobStatusInactive JobStatus = iota
	JobStatusQueued
	JobStatusRunning
	JobStatusSuccess
	JobStatusError
	JobStatusCanceled
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusInactive:
		return "Inactive"
	case JobStatusQueued:
		return "Queued"
	case JobStatusRunning:
		return "Running"
	case JobStatusSuccess:
		return "Success"
	case JobStatusError:
		return "Error"
	case JobStatusCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status cannot change anymore.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusError, JobStatusCanceled:
		return true
	}
	return false
}

const JobTypeSubmission = "submission"

// Job is a durable record of one submission run.
type Job struct {
	ID     uint   `gorm:"primarykey"`
	Title  string `gorm:"type:varchar(255)"`
	Type   string `gorm:"type:varchar(50)"`
	UserID uint
	User   *User
	Status JobStatus `gorm:"index"`
	// append only, human readable
	Log string `gorm:"type:longtext"`
	// uid of the queue task executing this job
	TaskUID   string `gorm:"type:varchar(36)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
