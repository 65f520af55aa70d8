package model

import "time"

// Message is an immutable chat line owned by a Connection.
type Message struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID int64     `gorm:"index:idx_message_connection;not null" json:"connection_id"`
	UserID       int64     `gorm:"not null" json:"user_id"`
	Text         string    `gorm:"type:text;not null" json:"text"`
	CreatedAt    time.Time `gorm:"index:idx_message_created;autoCreateTime" json:"created"`
}
