package feeding

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"snackloader-backend/internal/model"
	"snackloader-backend/internal/store"
)

// MaxFeedLogLimit caps how many feed logs one read may return.
const MaxFeedLogLimit = 200

// The settings schema checks the same rules at the HTTP edge. The coordinator
// checks them again so no caller can store a schedule the device cannot run.
var (
	scheduleTime = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	weekdays     = map[string]bool{
		"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
	}
)

// Registration links a new device to the user who owns it.
type Registration struct {
	DeviceID   string
	OwnerID    string
	OwnerEmail string
}

// RegisterDevice creates a device with both feeders idle.
func (c *Coordinator) RegisterDevice(ctx context.Context, in Registration) (*model.Device, error) {
	if in.DeviceID == "" || in.OwnerID == "" || in.OwnerEmail == "" {
		return nil, validationErrorf("deviceId, ownerId, ownerEmail required")
	}
	d := model.NewDevice(in.DeviceID, c.now())
	d.OwnerID = in.OwnerID
	d.OwnerEmail = in.OwnerEmail

	if err := c.store.CreateDevice(ctx, d); err != nil {
		return nil, translate(err)
	}
	c.log.Info().Str("device_id", d.ID).Str("owner_id", d.OwnerID).Msg("device registered")
	return d, nil
}

// GetOrCreateDevice returns the device, creating it with defaults on first read.
func (c *Coordinator) GetOrCreateDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	if deviceID == "" {
		return nil, validationErrorf("device id is required")
	}
	var d *model.Device
	err := c.withRetry(ctx, func() error {
		var err error
		d, err = c.store.GetOrCreateDevice(ctx, deviceID, c.now())
		return err
	})
	return d, translate(err)
}

// ListDevices returns the devices registered by ownerID.
func (c *Coordinator) ListDevices(ctx context.Context, ownerID string) ([]model.Device, error) {
	if ownerID == "" {
		return nil, validationErrorf("owner id is required")
	}
	devices, err := c.store.ListDevicesByOwner(ctx, ownerID)
	if err != nil {
		return nil, translate(err)
	}
	if devices == nil {
		devices = []model.Device{}
	}
	return devices, nil
}

// Settings is merged into the frontend-editable configuration. Pets and fields
// not present are left untouched; a nil AutoFeedEnabled means true.
type Settings struct {
	Pets            map[model.Pet]model.PetSettings
	AutoFeedEnabled *bool
}

func (s Settings) validate() error {
	for p, ps := range s.Pets {
		if !p.Valid() {
			return validationErrorf("unknown pet %q", p)
		}
		if ps.DefaultAmount != nil && *ps.DefaultAmount <= 0 {
			return validationErrorf("%s defaultAmount must be positive", p)
		}
		if ps.LidState != "" && ps.LidState != model.LidOpen && ps.LidState != model.LidClosed {
			return validationErrorf("%s lidState must be open or closed", p)
		}
		if ps.Schedule == nil {
			continue
		}
		for i, e := range *ps.Schedule {
			if !scheduleTime.MatchString(e.Time) {
				return validationErrorf("%s schedule[%d].time must be HH:MM", p, i)
			}
			if e.Amount != nil && *e.Amount <= 0 {
				return validationErrorf("%s schedule[%d].amount must be positive", p, i)
			}
			for _, day := range e.Days {
				if !weekdays[strings.ToLower(day)] {
					return validationErrorf("%s schedule[%d] has unknown day %q", p, i, day)
				}
			}
		}
	}
	return nil
}

// UpdateSettings stores schedules, default amounts, lid states and the
// auto-feed switch. Feeding state is never changed here.
func (c *Coordinator) UpdateSettings(ctx context.Context, deviceID string, in Settings) (*model.Device, error) {
	if deviceID == "" {
		return nil, validationErrorf("device id is required")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	autoFeed := true
	if in.AutoFeedEnabled != nil {
		autoFeed = *in.AutoFeedEnabled
	}

	unlock, err := c.locker.Lock(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer unlock()

	var updated *model.Device
	err = c.withRetry(ctx, func() error {
		return c.store.MutateDevice(ctx, deviceID, func(tx store.DeviceTx) error {
			d := tx.Device()
			d.ApplySettings(in.Pets, autoFeed)
			updated = d
			return nil
		})
	})
	if err != nil {
		return nil, translate(err)
	}
	return updated, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

// FeedLogs returns the most recent feed logs, newest first.
func (c *Coordinator) FeedLogs(ctx context.Context, deviceID string, limit int) ([]model.FeedLog, error) {
	if deviceID == "" {
		return nil, validationErrorf("device id is required")
	}
	limit = clampLimit(limit, c.cfg.FeedLogLimit, MaxFeedLogLimit)
	logs, err := c.store.FeedLogs(ctx, deviceID, limit)
	if err != nil {
		return nil, translate(err)
	}
	if logs == nil {
		logs = []model.FeedLog{}
	}
	return logs, nil
}

// TelemetryHistory returns recent samples, newest first.
func (c *Coordinator) TelemetryHistory(ctx context.Context, deviceID string, limit int) ([]model.TelemetrySample, error) {
	if deviceID == "" {
		return nil, validationErrorf("device id is required")
	}
	limit = clampLimit(limit, c.cfg.FeedLogLimit, MaxFeedLogLimit)
	samples, err := c.store.TelemetrySamples(ctx, deviceID, limit)
	if err != nil {
		return nil, translate(err)
	}
	if samples == nil {
		samples = []model.TelemetrySample{}
	}
	return samples, nil
}

// Detection is a camera report.
type Detection struct {
	Pet        string
	Confidence *float64
}

// RecordPetDetection appends a detection event for the camera subsystem.
func (c *Coordinator) RecordPetDetection(ctx context.Context, deviceID string, in Detection) error {
	if deviceID == "" {
		return validationErrorf("device id is required")
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return validationErrorf("confidence must be between 0 and 1")
	}
	ev := &model.PetDetection{
		DeviceID:   deviceID,
		Pet:        in.Pet,
		Confidence: in.Confidence,
		Time:       c.now(),
	}
	return translate(c.store.AddPetDetection(ctx, ev))
}

// SetCamera stores the flag the camera polls for.
func (c *Coordinator) SetCamera(ctx context.Context, deviceID string, turnOn bool) error {
	if deviceID == "" {
		return validationErrorf("device id is required")
	}
	return translate(c.store.SetCamera(ctx, deviceID, turnOn, c.now()))
}

// CameraState reads the camera flag.
func (c *Coordinator) CameraState(ctx context.Context, deviceID string) (model.CameraState, error) {
	state, err := c.store.GetCamera(ctx, deviceID)
	return state, translate(err)
}
