package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ChatModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	Name             string `gorm:"not null"`
	OriginalFilename string
	Status           string `gorm:"not null;index"`
	ErrorMessage     string
	MessageCount     int       `gorm:"not null;default:0"`
	SizeBytes        int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID            string    `gorm:"primaryKey"`
	ChatID        string    `gorm:"not null;uniqueIndex:idx_message_chat_order,priority:1"`
	OrderIndex    int       `gorm:"not null;uniqueIndex:idx_message_chat_order,priority:2"`
	Timestamp     time.Time `gorm:"not null;index"`
	SenderName    string
	SenderIsMe    bool   `gorm:"not null;default:false"`
	MessageType   string `gorm:"not null"`
	Body          string `gorm:"type:text"`
	MediaFilename string
	Metadata      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null"`
}

type MediaFileModel struct {
	ID           string `gorm:"primaryKey"`
	MessageID    string `gorm:"not null;index"`
	ChatID       string `gorm:"not null;index"`
	OwnerID      string `gorm:"not null;index"`
	OriginalName string `gorm:"not null"`
	StorageKey   string `gorm:"not null"`
	ThumbKey     string
	MimeType     string
	SizeBytes    int64          `gorm:"not null;default:0"`
	Metadata     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
}
