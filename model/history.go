package model

import (
	"time"

	"gorm.io/datatypes"
)

// CharacterHistory is one append-only record of the fields a command changed.
type CharacterHistory struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"-"`
	OwnerID     string         `gorm:"index:idx_history_char;size:36;not null" json:"owner_id"`
	CharacterID string         `gorm:"index:idx_history_char;size:64;not null" json:"character_id"`
	Timestamp   string         `gorm:"size:32;not null" json:"timestamp"`
	Data        datatypes.JSON `json:"data"`
	CreatedAt   time.Time      `gorm:"index:idx_history_created;autoCreateTime:milli" json:"created_at"`
}

func (CharacterHistory) TableName() string { return "character_history" }
