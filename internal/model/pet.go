package model

import (
	"time"

	"gorm.io/datatypes"
)

// Pet identifies one of the two feeders on a device.
type Pet string

const (
	PetCat Pet = "cat"
	PetDog Pet = "dog"
)

// AllPets lists the feeders every device carries, in display order.
var AllPets = []Pet{PetCat, PetDog}

// ParsePet converts raw input into a Pet.
func ParsePet(s string) (Pet, bool) {
	p := Pet(s)
	return p, p.Valid()
}

// Valid reports whether p is a known pet.
func (p Pet) Valid() bool {
	return p == PetCat || p == PetDog
}

// Other returns the pet sharing the device with p.
func (p Pet) Other() Pet {
	if p == PetCat {
		return PetDog
	}
	return PetCat
}

// CommandType returns the device instruction that feeds p.
func (p Pet) CommandType() CommandType {
	if p == PetCat {
		return CommandFeedCat
	}
	return CommandFeedDog
}

// LidState is the reported position of a feeder lid.
type LidState string

const (
	LidOpen   LidState = "open"
	LidClosed LidState = "closed"
)

// ScheduleEntry is one stored feeding time. Schedules are kept for the
// frontend and the device; the backend never executes them.
type ScheduleEntry struct {
	Time   string   `json:"time"`
	Amount *float64 `json:"amount,omitempty"`
	Days   []string `json:"days,omitempty"`
}

// PetFeedingState is the per-pet half of the device aggregate.
type PetFeedingState struct {
	DeviceID      string                            `gorm:"primaryKey;size:64" json:"-"`
	Pet           Pet                               `gorm:"primaryKey;size:8" json:"-"`
	Schedule      datatypes.JSONSlice[ScheduleEntry] `json:"schedule"`
	LastFeeding   *time.Time                        `json:"lastFeeding"`
	FeedingActive bool                              `gorm:"not null;index" json:"feedingActive"`
	ActiveSince   *time.Time                        `json:"activeSince,omitempty"`
	LidState      LidState                          `gorm:"size:8;not null" json:"lidState"`
	DefaultAmount *float64                          `json:"defaultAmount,omitempty"`
	UpdatedAt     time.Time                         `json:"-"`
}

// newPetFeedingState returns the idle state a freshly registered feeder starts in.
func newPetFeedingState(deviceID string, p Pet) PetFeedingState {
	return PetFeedingState{
		DeviceID: deviceID,
		Pet:      p,
		Schedule: datatypes.JSONSlice[ScheduleEntry]{},
		LidState: LidClosed,
	}
}

// ResolveAmount picks the portion for a feed: the explicit amount, else the
// configured per-pet default, else fallback.
func (s *PetFeedingState) ResolveAmount(explicit *float64, fallback float64) float64 {
	if explicit != nil {
		return *explicit
	}
	if s.DefaultAmount != nil && *s.DefaultAmount > 0 {
		return *s.DefaultAmount
	}
	return fallback
}
