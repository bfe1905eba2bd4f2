package store

import (
	"time"

	"gorm.io/datatypes"
)

type userRow struct {
	Code      string `gorm:"primaryKey;size:128"`
	Email     string `gorm:"index;size:256"`
	Status    string `gorm:"size:16;not null;default:offline"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRow) TableName() string { return "users" }

type deviceRow struct {
	ID       uint   `gorm:"primaryKey"`
	UserCode string `gorm:"uniqueIndex:idx_device_user_token;size:128;not null"`
	Token    string `gorm:"uniqueIndex:idx_device_user_token;size:256;not null"`
	Platform string `gorm:"size:32"`
	LastUsed time.Time
}

func (deviceRow) TableName() string { return "devices" }

type contactRow struct {
	UserCode    string `gorm:"primaryKey;size:128"`
	ContactCode string `gorm:"primaryKey;size:128"`
	CreatedAt   time.Time
}

func (contactRow) TableName() string { return "contacts" }

type userRoomRow struct {
	UserCode  string `gorm:"primaryKey;size:128"`
	RoomID    string `gorm:"primaryKey;size:128"`
	CreatedAt time.Time
}

func (userRoomRow) TableName() string { return "user_rooms" }

type roomRow struct {
	RoomID    string `gorm:"primaryKey;size:128"`
	Type      string `gorm:"size:16;not null"`
	ReadBy    datatypes.JSONSlice[string]
	Details   datatypes.JSONMap
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (roomRow) TableName() string { return "chat_rooms" }

// memberRow carries the admin flag so an admin can never outlive its
// membership.
type memberRow struct {
	RoomID    string `gorm:"primaryKey;size:128"`
	UserCode  string `gorm:"primaryKey;size:128;index"`
	IsAdmin   bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (memberRow) TableName() string { return "room_members" }

type messageRow struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement;index:idx_msg_room_seq,priority:2"`
	MessageID string    `gorm:"uniqueIndex;size:64;not null"`
	ClientID  string    `gorm:"size:128"`
	RoomID    string    `gorm:"index:idx_msg_room_seq,priority:1;size:128;not null"`
	Sender    string    `gorm:"size:128;not null"`
	Receiver  string    `gorm:"size:128"`
	Text      string    `gorm:"type:text;not null"`
	Status    string    `gorm:"size:16;not null"`
	Timestamp time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

type readRow struct {
	MessageID string `gorm:"primaryKey;size:64"`
	UserCode  string `gorm:"primaryKey;size:128"`
	CreatedAt time.Time
}

func (readRow) TableName() string { return "message_reads" }

// Tables lists every table for auto-migration.
func Tables() []any {
	return []any{
		&userRow{}, &deviceRow{}, &contactRow{}, &userRoomRow{},
		&roomRow{}, &memberRow{}, &messageRow{}, &readRow{},
	}
}
