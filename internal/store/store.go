package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"snackloader-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB

	CreateDevice(ctx context.Context, d *model.Device) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	GetOrCreateDevice(ctx context.Context, id string, now time.Time) (*model.Device, error)
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error)
	MutateDevice(ctx context.Context, id string, fn MutateFunc) error
	TouchDevice(ctx context.Context, id string, now time.Time, sample *model.TelemetrySample) error
	MarkOffline(ctx context.Context, lastSeenBefore time.Time) (int64, error)

	PendingCommands(ctx context.Context, deviceID string, limit int) ([]model.Command, error)
	AcknowledgeCommand(ctx context.Context, deviceID, commandID string, now time.Time) (bool, error)
	StaleFeeds(ctx context.Context, activeBefore time.Time) ([]StaleFeed, error)

	FeedLogs(ctx context.Context, deviceID string, limit int) ([]model.FeedLog, error)
	TelemetrySamples(ctx context.Context, deviceID string, limit int) ([]model.TelemetrySample, error)

	AddPetDetection(ctx context.Context, e *model.PetDetection) error
	SetCamera(ctx context.Context, deviceID string, turnOn bool, now time.Time) error
	GetCamera(ctx context.Context, deviceID string) (model.CameraState, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying connection for handlers that query directly.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) CreateDevice(ctx context.Context, d *model.Device) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Device{}).Where("id = ?", d.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check device %s: %w", d.ID, err)
		}
		if count > 0 {
			return fmt.Errorf("device %s: %w", d.ID, ErrAlreadyExists)
		}
		if err := tx.Create(d).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("device %s: %w", d.ID, ErrAlreadyExists)
			}
			return fmt.Errorf("failed to create device %s: %w", d.ID, err)
		}
		return nil
	})
}

func (s *gormStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	return loadDevice(s.db.WithContext(ctx), id, false)
}

// GetOrCreateDevice returns the device, creating it with defaults on first
// access. Concurrent first reads converge on one row.
func (s *gormStore) GetOrCreateDevice(ctx context.Context, id string, now time.Time) (*model.Device, error) {
	d, err := s.GetDevice(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		return d, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := model.NewDevice(id, now)
		if err := tx.Omit("Pets").Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh.Pets).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create device %s: %w", id, err)
	}
	return s.GetDevice(ctx, id)
}

func (s *gormStore) ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	var devices []model.Device
	err := s.db.WithContext(ctx).
		Preload("Pets", orderPets).
		Where("owner_id = ?", ownerID).
		Order("id").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list devices of %s: %w", ownerID, err)
	}
	return devices, nil
}

// MutateDevice loads the aggregate, lets fn change it, and writes it back in
// one transaction. The version bump is conditional on the version read, so a
// concurrent writer that got there first makes this call fail with
// ErrStaleVersion instead of being overwritten.
func (s *gormStore) MutateDevice(ctx context.Context, id string, fn MutateFunc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := loadDevice(tx, id, true)
		if err != nil {
			return err
		}
		version := d.Version

		dtx := &deviceTx{tx: tx, device: d}
		if err := fn(dtx); err != nil {
			return err
		}

		res := tx.Model(&model.Device{}).
			Where("id = ? AND version = ?", id, version).
			Updates(map[string]any{
				"auto_feed_enabled": d.AutoFeedEnabled,
				"version":           version + 1,
				"updated_at":        time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update device %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("device %s: %w", id, ErrStaleVersion)
		}
		d.Version = version + 1

		for i := range d.Pets {
			if err := tx.Save(&d.Pets[i]).Error; err != nil {
				return fmt.Errorf("failed to save %s state for device %s: %w", d.Pets[i].Pet, id, err)
			}
		}
		return nil
	})
}

// TouchDevice marks the device online and, when a sample is given, records it
// and copies its readings onto the device snapshot. The write is per column
// and does not take part in the version check.
func (s *gormStore) TouchDevice(ctx context.Context, id string, now time.Time, sample *model.TelemetrySample) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"online":     true,
			"last_seen":  now,
			"updated_at": now,
		}
		if sample != nil {
			updates["current_weight"] = sample.BowlWeight
			updates["temperature"] = sample.Temperature
			updates["humidity"] = sample.Humidity
			updates["pet_detected_recently"] = sample.PetDetected
		}

		res := tx.Model(&model.Device{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to touch device %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}

		if sample != nil {
			sample.DeviceID = id
			if err := tx.Create(sample).Error; err != nil {
				return fmt.Errorf("failed to store telemetry for device %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *gormStore) MarkOffline(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("online = ? AND last_seen < ?", true, lastSeenBefore).
		Update("online", false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark devices offline: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PendingCommands returns up to limit unprocessed commands, oldest first.
func (s *gormStore) PendingCommands(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	var cmds []model.Command
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND processed = ?", deviceID, false).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending commands for device %s: %w", deviceID, err)
	}
	return cmds, nil
}

// AcknowledgeCommand marks a command processed. It reports false when the
// command had already been processed.
func (s *gormStore) AcknowledgeCommand(ctx context.Context, deviceID, commandID string, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&model.Command{}).
		Where("id = ? AND device_id = ? AND processed = ?", commandID, deviceID, false).
		Updates(map[string]any{"processed": true, "processed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to acknowledge command %s: %w", commandID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := db.Model(&model.Command{}).Where("id = ? AND device_id = ?", commandID, deviceID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up command %s: %w", commandID, err)
	}
	if count == 0 {
		return false, fmt.Errorf("command %s: %w", commandID, ErrNotFound)
	}
	return false, nil
}

// StaleFeeds lists pets that went active before activeBefore and never completed.
func (s *gormStore) StaleFeeds(ctx context.Context, activeBefore time.Time) ([]StaleFeed, error) {
	var states []model.PetFeedingState
	err := s.db.WithContext(ctx).
		Where("feeding_active = ? AND active_since < ?", true, activeBefore).
		Order("active_since ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stale feeds: %w", err)
	}
	stale := make([]StaleFeed, 0, len(states))
	for _, st := range states {
		stale = append(stale, StaleFeed{DeviceID: st.DeviceID, Pet: st.Pet})
	}
	return stale, nil
}

// FeedLogs returns the most recent feed logs, newest first.
func (s *gormStore) FeedLogs(ctx context.Context, deviceID string, limit int) ([]model.FeedLog, error) {
	var logs []model.FeedLog
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("time DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed logs for device %s: %w", deviceID, err)
	}
	return logs, nil
}

func (s *gormStore) TelemetrySamples(ctx context.Context, deviceID string, limit int) ([]model.TelemetrySample, error) {
	var samples []model.TelemetrySample
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("time DESC, id DESC").
		Limit(limit).
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch telemetry for device %s: %w", deviceID, err)
	}
	return samples, nil
}

func (s *gormStore) AddPetDetection(ctx context.Context, e *model.PetDetection) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to store pet detection for device %s: %w", e.DeviceID, err)
	}
	return nil
}

func (s *gormStore) SetCamera(ctx context.Context, deviceID string, turnOn bool, now time.Time) error {
	state := model.CameraState{DeviceID: deviceID, TurnOn: turnOn, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"turn_on", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to set camera for device %s: %w", deviceID, err)
	}
	return nil
}

// GetCamera returns the camera flag; a camera never switched reads as off.
func (s *gormStore) GetCamera(ctx context.Context, deviceID string) (model.CameraState, error) {
	var state model.CameraState
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.CameraState{DeviceID: deviceID}, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to read camera for device %s: %w", deviceID, err)
	}
	return state, nil
}

// --- Helpers ---

func orderPets(db *gorm.DB) *gorm.DB {
	return db.Order("pet")
}

// loadDevice reads the aggregate. With lock set, postgres holds the device row
// for the rest of the transaction; sqlite serialises writers on its own.
func loadDevice(db *gorm.DB, id string, lock bool) (*model.Device, error) {
	q := db.Preload("Pets", orderPets)
	if lock && db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var d model.Device
	if err := q.Where("id = ?", id).Take(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load device %s: %w", id, err)
	}
	return &d, nil
}

// deviceTx implements DeviceTx on top of a gorm transaction.
type deviceTx struct {
	tx     *gorm.DB
	device *model.Device
}

func (t *deviceTx) Device() *model.Device {
	return t.device
}

func (t *deviceTx) AddCommand(c *model.Command) error {
	if err := t.tx.Create(c).Error; err != nil {
		return fmt.Errorf("failed to queue command for device %s: %w", t.device.ID, err)
	}
	return nil
}

func (t *deviceTx) SaveCommand(c *model.Command) error {
	if err := t.tx.Save(c).Error; err != nil {
		return fmt.Errorf("failed to save command %s: %w", c.ID, err)
	}
	return nil
}

func (t *deviceTx) PendingCommands(ct model.CommandType) ([]model.Command, error) {
	var cmds []model.Command
	err := t.tx.
		Where("device_id = ? AND type = ? AND processed = ?", t.device.ID, ct, false).
		Order("created_at ASC, id ASC").
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending %s commands for device %s: %w", ct, t.device.ID, err)
	}
	return cmds, nil
}

func (t *deviceTx) AddFeedLog(l *model.FeedLog) error {
	if err := t.tx.Create(l).Error; err != nil {
		return fmt.Errorf("failed to append feed log for device %s: %w", t.device.ID, err)
	}
	return nil
}
