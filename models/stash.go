package models

import "time"

// StashEntry is the Postgres form of a durable store record.
type StashEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}
