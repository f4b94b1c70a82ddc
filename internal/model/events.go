package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedLog is the immutable record of a completed feeding.
type FeedLog struct {
	ID       string    `gorm:"primaryKey;size:36" json:"id"`
	DeviceID string    `gorm:"size:64;not null;index:idx_feed_logs_device_time,priority:1" json:"-"`
	Pet      Pet       `gorm:"size:8;not null" json:"pet"`
	Amount   float64   `gorm:"not null" json:"amount"`
	Source   string    `gorm:"size:32;not null" json:"source"`
	Time     time.Time `gorm:"not null;index:idx_feed_logs_device_time,priority:2" json:"time"`
}

// NewFeedLog stamps a feed log entry.
func NewFeedLog(deviceID string, p Pet, amount float64, source string, now time.Time) FeedLog {
	return FeedLog{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Pet:      p,
		Amount:   amount,
		Source:   source,
		Time:     now,
	}
}

// TelemetrySample is one periodic sensor reading.
type TelemetrySample struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	DeviceID    string    `gorm:"size:64;not null;index:idx_telemetry_device_time,priority:1" json:"-"`
	BowlWeight  *float64  `json:"bowlWeight"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	PetDetected bool      `gorm:"not null" json:"petDetected"`
	Time        time.Time `gorm:"not null;index:idx_telemetry_device_time,priority:2" json:"time"`
}

// PetDetection is an event reported by the camera unit.
type PetDetection struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	DeviceID   string    `gorm:"size:64;not null;index" json:"-"`
	Pet        string    `gorm:"size:16" json:"pet,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Time       time.Time `gorm:"not null" json:"time"`
}

// CameraState holds the on/off flag the camera polls for.
type CameraState struct {
	DeviceID  string    `gorm:"primaryKey;size:64" json:"-"`
	TurnOn    bool      `gorm:"not null" json:"turnOn"`
	UpdatedAt time.Time `json:"updatedAt"`
}
