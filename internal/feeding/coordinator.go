package feeding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"snackloader-backend/config"
	"snackloader-backend/internal/model"
	"snackloader-backend/internal/notification"
	"snackloader-backend/internal/store"
)

const (
	// MaxPollLimit caps how many commands one poll may return.
	MaxPollLimit = 100

	// DefaultSource tags feed logs the device writes without naming a source.
	DefaultSource = "device"
)

// CommandPublisher nudges a device about a freshly queued command.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd model.Command) error
}

// EventDispatcher queues user-facing notifications.
type EventDispatcher interface {
	Dispatch(ev notification.FeedEvent)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(notification.FeedEvent) {}

// Options wires the coordinator's collaborators. Zero values fall back to
// in-process defaults.
type Options struct {
	Locker    Locker
	Publisher CommandPublisher
	Notifier  EventDispatcher
	Metrics   *Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
	// Changed is told about devices the sweep modified outside a request.
	Changed func(deviceID string)
}

// Coordinator owns the per-device feeding state machine. Every mutation of a
// device's feeding state goes through it.
type Coordinator struct {
	cfg       config.FeedingConfig
	store     store.Store
	locker    Locker
	publisher CommandPublisher
	notifier  EventDispatcher
	metrics   *Metrics
	changed   func(deviceID string)
	retry     retryPolicy
	log       zerolog.Logger
	now       func() time.Time
}

// NewCoordinator creates a Coordinator on top of st.
func NewCoordinator(cfg config.FeedingConfig, st store.Store, opts Options) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		store:     st,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		changed:   opts.Changed,
		log:       opts.Logger.With().Str("component", "feeding").Logger(),
		now:       opts.Now,
		retry: retryPolicy{
			attempts: cfg.RetryMaxAttempts,
			base:     cfg.RetryBackoff,
			max:      time.Second,
		},
	}
	if c.locker == nil {
		c.locker = NewLocalLocker()
	}
	if c.publisher == nil {
		c.publisher = notification.NoopPublisher{}
	}
	if c.notifier == nil {
		c.notifier = noopDispatcher{}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.changed == nil {
		c.changed = func(string) {}
	}
	return c
}

// Config returns the settings the coordinator runs with.
func (c *Coordinator) Config() config.FeedingConfig {
	return c.cfg
}

// fallbackAmount is the portion used when neither the request nor the pet's
// settings name one.
func (c *Coordinator) fallbackAmount(p model.Pet) float64 {
	if p == model.PetDog {
		return c.cfg.DogDefaultAmount
	}
	return c.cfg.CatDefaultAmount
}

func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	return c.retry.do(ctx, func() error {
		if attempt > 0 {
			c.metrics.retries.Inc()
		}
		attempt++
		return fn()
	})
}

// RequestFeed queues a feed command for pet, provided the other pet's feeder
// is idle. The check and the state change happen atomically per device.
func (c *Coordinator) RequestFeed(ctx context.Context, deviceID string, pet model.Pet, amount *float64) (model.Command, error) {
	if deviceID == "" {
		return model.Command{}, validationErrorf("device id is required")
	}
	if !pet.Valid() {
		return model.Command{}, validationErrorf("unknown pet %q", pet)
	}
	if amount != nil && *amount <= 0 {
		return model.Command{}, validationErrorf("amount must be positive")
	}

	unlock, err := c.locker.Lock(ctx, deviceID)
	if err != nil {
		c.metrics.feedRequest(pet, "error")
		return model.Command{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer unlock()

	var cmd model.Command
	err = c.withRetry(ctx, func() error {
		return c.store.MutateDevice(ctx, deviceID, func(tx store.DeviceTx) error {
			d := tx.Device()
			if other := pet.Other(); d.Pet(other).FeedingActive {
				return fmt.Errorf("%s %w", other, ErrConflict)
			}
			portion := d.Pet(pet).ResolveAmount(amount, c.fallbackAmount(pet))
			cmd = d.BeginFeed(pet, portion, c.now())
			return tx.AddCommand(&cmd)
		})
	})
	if err != nil {
		err = translate(err)
		if errors.Is(err, ErrConflict) {
			c.metrics.feedRequest(pet, "conflict")
		} else {
			c.metrics.feedRequest(pet, "error")
		}
		return model.Command{}, err
	}
	c.metrics.feedRequest(pet, "queued")

	c.log.Info().
		Str("device_id", deviceID).
		Str("pet", string(pet)).
		Str("command_id", cmd.ID).
		Float64("amount", cmd.Amount).
		Msg("feed command queued")

	if err := c.publisher.PublishCommand(ctx, cmd); err != nil {
		c.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("failed to publish command, device will pick it up on poll")
	}
	return cmd, nil
}

// PollPendingCommands returns up to limit unprocessed commands, oldest first.
// A non-positive limit means the configured default.
func (c *Coordinator) PollPendingCommands(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	if deviceID == "" {
		return nil, validationErrorf("device id is required")
	}
	if limit <= 0 {
		limit = c.cfg.PollLimit
	}
	if limit > MaxPollLimit {
		limit = MaxPollLimit
	}

	var cmds []model.Command
	err := c.withRetry(ctx, func() error {
		var err error
		cmds, err = c.store.PendingCommands(ctx, deviceID, limit)
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	if cmds == nil {
		cmds = []model.Command{}
	}
	return cmds, nil
}

// AcknowledgeCommand marks a command processed. Repeating it is harmless.
// The pet stays active until the device logs the completed feeding.
func (c *Coordinator) AcknowledgeCommand(ctx context.Context, deviceID, commandID string) error {
	if deviceID == "" || commandID == "" {
		return validationErrorf("device id and command id are required")
	}

	var changed bool
	err := c.withRetry(ctx, func() error {
		var err error
		changed, err = c.store.AcknowledgeCommand(ctx, deviceID, commandID, c.now())
		return err
	})
	if err != nil {
		return translate(err)
	}
	if changed {
		c.metrics.acknowledged.Inc()
		c.log.Debug().Str("device_id", deviceID).Str("command_id", commandID).Msg("command acknowledged")
	}
	return nil
}

// Completion is the device's report of a finished feeding.
type Completion struct {
	Pet    model.Pet
	Amount *float64
	Source string
}

// LogFeedingCompletion records a finished feeding and releases the pet's
// feeder. With feeding.clear_both_on_completion the other feeder is released
// too.
func (c *Coordinator) LogFeedingCompletion(ctx context.Context, deviceID string, in Completion) error {
	if deviceID == "" {
		return validationErrorf("device id is required")
	}
	if !in.Pet.Valid() {
		return validationErrorf("pet is required and must be cat or dog")
	}
	if in.Amount == nil || *in.Amount <= 0 {
		return validationErrorf("amount is required and must be positive")
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = DefaultSource
	}

	unlock, err := c.locker.Lock(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer unlock()

	now := c.now()
	err = c.withRetry(ctx, func() error {
		return c.store.MutateDevice(ctx, deviceID, func(tx store.DeviceTx) error {
			entry := model.NewFeedLog(deviceID, in.Pet, *in.Amount, source, now)
			if err := tx.AddFeedLog(&entry); err != nil {
				return err
			}
			tx.Device().CompleteFeed(in.Pet, now, c.cfg.ClearBothOnCompletion)
			return nil
		})
	})
	if err != nil {
		return translate(err)
	}

	c.metrics.completed.WithLabelValues(string(in.Pet)).Inc()
	c.log.Info().
		Str("device_id", deviceID).
		Str("pet", string(in.Pet)).
		Float64("amount", *in.Amount).
		Str("source", source).
		Msg("feeding completed")

	c.notifier.Dispatch(notification.FeedEvent{
		Kind:     notification.EventFeedCompleted,
		DeviceID: deviceID,
		Pet:      in.Pet,
		Amount:   *in.Amount,
		Time:     now,
	})
	return nil
}

// Telemetry is one sensor report. Absent readings stay nil.
type Telemetry struct {
	BowlWeight  *float64
	Temperature *float64
	Humidity    *float64
	PetDetected bool
}

// RecordTelemetry stores a sample and refreshes the device snapshot. It does
// not take the device lock: each field is last-write-wins.
func (c *Coordinator) RecordTelemetry(ctx context.Context, deviceID string, in Telemetry) error {
	if deviceID == "" {
		return validationErrorf("device id is required")
	}
	now := c.now()
	err := c.withRetry(ctx, func() error {
		sample := &model.TelemetrySample{
			BowlWeight:  in.BowlWeight,
			Temperature: in.Temperature,
			Humidity:    in.Humidity,
			PetDetected: in.PetDetected,
			Time:        now,
		}
		return c.store.TouchDevice(ctx, deviceID, now, sample)
	})
	if err != nil {
		return translate(err)
	}

	setIfPresent(c.metrics.bowlWeight, deviceID, in.BowlWeight)
	setIfPresent(c.metrics.temperature, deviceID, in.Temperature)
	setIfPresent(c.metrics.humidity, deviceID, in.Humidity)
	c.metrics.lastSeen.WithLabelValues(deviceID).Set(float64(now.Unix()))
	return nil
}

// RecordHeartbeat marks the device online.
func (c *Coordinator) RecordHeartbeat(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return validationErrorf("device id is required")
	}
	now := c.now()
	err := c.withRetry(ctx, func() error {
		return c.store.TouchDevice(ctx, deviceID, now, nil)
	})
	if err != nil {
		return translate(err)
	}
	c.metrics.lastSeen.WithLabelValues(deviceID).Set(float64(now.Unix()))
	return nil
}
