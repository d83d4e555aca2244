package model

import "time"

// SessionCharacter is the durable copy of one character in one owner's session.
// It always holds the full current value; history deltas live in CharacterHistory.
type SessionCharacter struct {
	OwnerID     string    `gorm:"primaryKey;size:36" json:"owner_id"`
	CharacterID string    `gorm:"primaryKey;size:64" json:"character_id"`
	X           float64   `gorm:"not null" json:"x"`
	Y           float64   `gorm:"not null" json:"y"`
	Z           float64   `gorm:"not null" json:"z"`
	Rotation    float64   `gorm:"not null" json:"rotation"`
	IsActive    bool      `gorm:"not null" json:"is_active"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
