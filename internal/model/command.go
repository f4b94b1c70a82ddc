package model

import (
	"time"

	"github.com/google/uuid"
)

// CommandType is the instruction a device executes physically.
type CommandType string

const (
	CommandFeedCat CommandType = "FEED_CAT"
	CommandFeedDog CommandType = "FEED_DOG"
)

// Pet returns the feeder the command drives.
func (t CommandType) Pet() Pet {
	if t == CommandFeedCat {
		return PetCat
	}
	return PetDog
}

// Command is a queued unit of work for the device. It is either pending or
// terminally processed; abandoned commands are processed ones the staleness
// sweep gave up on.
type Command struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	DeviceID    string      `gorm:"size:64;not null;index:idx_commands_pending,priority:1" json:"-"`
	Type        CommandType `gorm:"size:16;not null" json:"type"`
	Amount      float64     `gorm:"not null" json:"amount"`
	Processed   bool        `gorm:"not null;index:idx_commands_pending,priority:2" json:"processed"`
	Abandoned   bool        `gorm:"not null" json:"abandoned,omitempty"`
	CreatedAt   time.Time   `gorm:"not null;index:idx_commands_pending,priority:3" json:"createdAt"`
	ProcessedAt *time.Time  `json:"processedAt"`
}

// NewCommand builds a pending feed command. IDs are UUIDv7 so that they sort
// in creation order when timestamps collide.
func NewCommand(deviceID string, p Pet, amount float64, now time.Time) Command {
	return Command{
		ID:        uuid.Must(uuid.NewV7()).String(),
		DeviceID:  deviceID,
		Type:      p.CommandType(),
		Amount:    amount,
		CreatedAt: now,
	}
}

// MarkProcessed moves the command to its terminal state. It reports false when
// the command was already processed.
func (c *Command) MarkProcessed(now time.Time) bool {
	if c.Processed {
		return false
	}
	c.Processed = true
	c.ProcessedAt = &now
	return true
}
