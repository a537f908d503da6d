package models

import (
	"encoding/json"
	"time"
)

// User is an account allowed to submit runs.
type User struct {
	ID       uint   `gorm:"primarykey"`
	Username string `gorm:"type:varchar(50);uniqueIndex" binding:"required"`
	Email    string `gorm:"type:varchar(50)"`
	Password string `gorm:"type:varchar(255)" json:"-"`
	IsActive *bool  `sql:"DEFAULT:true"`
	// most recent submission job, shown on the landing page
	LastJobID   *uint
	CreatedAt   *time.Time `sql:"DEFAULT:'current_timestamp'"`
	LastLoginAt *time.Time `sql:"DEFAULT:'current_timestamp'"`
}

// implement redis
func (u *User) MarshalBinary() ([]byte, error) {
	return json.Marshal(u)
}

func (u *User) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, &u)
}
