package model

import (
	"time"

	"gorm.io/datatypes"
)

// Device is the per-feeder aggregate. All feeding-state changes go through
// its mutator methods; the store persists the result as one unit guarded by
// Version.
type Device struct {
	ID                  string `gorm:"primaryKey;size:64"`
	OwnerID             string `gorm:"size:128;index"`
	OwnerEmail          string `gorm:"size:256"`
	Online              bool   `gorm:"not null"`
	LastSeen            *time.Time
	CurrentWeight       *float64
	Temperature         *float64
	Humidity            *float64
	PetDetectedRecently bool  `gorm:"not null"`
	AutoFeedEnabled     bool  `gorm:"not null"`
	Version             int64 `gorm:"not null"`
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// Associations
	Pets []PetFeedingState `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
}

// NewDevice returns a device with both feeders idle and auto-feed on.
func NewDevice(id string, now time.Time) *Device {
	d := &Device{
		ID:              id,
		AutoFeedEnabled: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, p := range AllPets {
		d.Pets = append(d.Pets, newPetFeedingState(id, p))
	}
	return d
}

// Pet returns the state for p, adding an idle one if the row is missing.
func (d *Device) Pet(p Pet) *PetFeedingState {
	for i := range d.Pets {
		if d.Pets[i].Pet == p {
			return &d.Pets[i]
		}
	}
	d.Pets = append(d.Pets, newPetFeedingState(d.ID, p))
	return &d.Pets[len(d.Pets)-1]
}

// ActivePet returns the pet currently being fed, if any.
func (d *Device) ActivePet() (Pet, bool) {
	for _, p := range AllPets {
		if d.Pet(p).FeedingActive {
			return p, true
		}
	}
	return "", false
}

// BeginFeed marks p as feeding and builds the command the device will poll.
// The caller has already checked that the other feeder is idle.
func (d *Device) BeginFeed(p Pet, amount float64, now time.Time) Command {
	s := d.Pet(p)
	s.FeedingActive = true
	s.ActiveSince = &now
	d.Pet(p.Other()).FeedingActive = false
	return NewCommand(d.ID, p, amount, now)
}

// CompleteFeed closes the loop opened by BeginFeed. With clearBoth the other
// feeder is released as well.
func (d *Device) CompleteFeed(p Pet, now time.Time, clearBoth bool) {
	s := d.Pet(p)
	s.LastFeeding = &now
	s.FeedingActive = false
	s.ActiveSince = nil
	if clearBoth {
		d.AbandonFeed(p.Other())
	}
}

// AbandonFeed force-clears a feed the device never reported back on.
func (d *Device) AbandonFeed(p Pet) {
	s := d.Pet(p)
	s.FeedingActive = false
	s.ActiveSince = nil
}

// PetSettings is the frontend-editable part of a PetFeedingState. Nil and
// empty fields were not sent; a non-nil empty Schedule clears it.
type PetSettings struct {
	Schedule      *[]ScheduleEntry
	DefaultAmount *float64
	LidState      LidState
}

// ApplySettings merges the sent configuration into the given pets. Fields left
// out keep their stored value and feeding state is left alone.
func (d *Device) ApplySettings(pets map[Pet]PetSettings, autoFeed bool) {
	for p, ps := range pets {
		s := d.Pet(p)
		if ps.Schedule != nil {
			s.Schedule = make(datatypes.JSONSlice[ScheduleEntry], 0, len(*ps.Schedule))
			s.Schedule = append(s.Schedule, *ps.Schedule...)
		}
		if ps.DefaultAmount != nil {
			s.DefaultAmount = ps.DefaultAmount
		}
		if ps.LidState != "" {
			s.LidState = ps.LidState
		}
	}
	d.AutoFeedEnabled = autoFeed
}

// DeviceView is the status document served to the frontend. The
// catFeedingActive / dogFeedingActive flags are derived from the per-pet state
// rather than stored.
type DeviceView struct {
	DeviceID            string          `json:"deviceId"`
	OwnerID             string          `json:"ownerId,omitempty"`
	OwnerEmail          string          `json:"ownerEmail,omitempty"`
	AutoFeedEnabled     bool            `json:"autoFeedEnabled"`
	Online              bool            `json:"online"`
	LastSeen            *time.Time      `json:"lastSeen"`
	CurrentWeight       *float64        `json:"currentWeight"`
	Temperature         *float64        `json:"temperature"`
	Humidity            *float64        `json:"humidity"`
	PetDetectedRecently bool            `json:"petDetectedRecently"`
	Cat                 PetFeedingState `json:"cat"`
	Dog                 PetFeedingState `json:"dog"`
	CatFeedingActive    bool            `json:"catFeedingActive"`
	DogFeedingActive    bool            `json:"dogFeedingActive"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// View projects the aggregate into its status document.
func (d *Device) View() DeviceView {
	cat, dog := *d.Pet(PetCat), *d.Pet(PetDog)
	return DeviceView{
		DeviceID:            d.ID,
		OwnerID:             d.OwnerID,
		OwnerEmail:          d.OwnerEmail,
		AutoFeedEnabled:     d.AutoFeedEnabled,
		Online:              d.Online,
		LastSeen:            d.LastSeen,
		CurrentWeight:       d.CurrentWeight,
		Temperature:         d.Temperature,
		Humidity:            d.Humidity,
		PetDetectedRecently: d.PetDetectedRecently,
		Cat:                 cat,
		Dog:                 dog,
		CatFeedingActive:    cat.FeedingActive,
		DogFeedingActive:    dog.FeedingActive,
		CreatedAt:           d.CreatedAt,
	}
}
