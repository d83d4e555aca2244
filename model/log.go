package model

import "time"

// LogEntry is one line captured by the log sink, keyed by the emitting component.
type LogEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Component string    `gorm:"index:idx_log_component_time,priority:1;size:64;not null" json:"component"`
	Level     string    `gorm:"size:8;not null" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index:idx_log_component_time,priority:2" json:"created_at"`
}
