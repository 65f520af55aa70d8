package model

import (
	"time"

	"gorm.io/datatypes"
)

// User is a registered chat account. Username is the presence identity.
type User struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string         `gorm:"uniqueIndex;size:150;not null" json:"username"`
	FirstName    string         `gorm:"size:150" json:"first_name"`
	LastName     string         `gorm:"size:150" json:"last_name"`
	Email        string         `gorm:"size:254" json:"email"`
	PasswordHash string         `gorm:"size:64;not null" json:"-"`
	Thumbnail    string         `gorm:"size:255" json:"thumbnail"` // storage key, empty when unset
	Avatar       datatypes.JSON `json:"avatar"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
