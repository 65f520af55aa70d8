package model

import "time"

// Connection is a directed friend request from Sender to Receiver.
// Once Accepted it is treated as a symmetric friendship.
type Connection struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64     `gorm:"uniqueIndex:idx_connection_pair;not null" json:"sender_id"`
	ReceiverID int64     `gorm:"uniqueIndex:idx_connection_pair;index:idx_connection_receiver;not null" json:"receiver_id"`
	Accepted   bool      `gorm:"default:false;not null" json:"accepted"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated"`
}
