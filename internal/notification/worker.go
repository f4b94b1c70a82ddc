package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"snackloader-backend/internal/model"
)

// queueDepthPerWorker bounds how many events may wait per worker before
// Dispatch starts dropping them.
const queueDepthPerWorker = 32

// EventKind names what happened to a feeder.
type EventKind string

const (
	EventFeedCompleted EventKind = "feed_completed"
	EventFeedAbandoned EventKind = "feed_abandoned"
)

// FeedEvent is one notification job.
type FeedEvent struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"deviceId"`
	Pet      model.Pet `json:"pet"`
	Amount   float64   `json:"amount,omitempty"`
	Time     time.Time `json:"time"`
}

// Message renders the human readable notification body.
func (e FeedEvent) Message() string {
	switch e.Kind {
	case EventFeedCompleted:
		return fmt.Sprintf("Fed the %s %.0fg on %s", e.Pet, e.Amount, e.DeviceID)
	case EventFeedAbandoned:
		return fmt.Sprintf("The %s feeder on %s did not report back and was released", e.Pet, e.DeviceID)
	default:
		return fmt.Sprintf("Feeder %s: %s", e.DeviceID, e.Kind)
	}
}

type pushPayload struct {
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Event FeedEvent `json:"event"`
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool fans feed events out to the browsers subscribed to a device.
type WorkerPool struct {
	size    int
	jobs    chan FeedEvent
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     zerolog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, logger zerolog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan FeedEvent, size*queueDepthPerWorker),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     logger.With().Str("component", "push").Logger(),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case ev := <-wp.jobs:
			wp.sendNotificationsForDevice(ctx, ev)
		case <-ctx.Done():
			wp.log.Debug().Int("worker", id).Msg("worker shutting down")
			return
		}
	}
}

// Dispatch queues an event. It never blocks the caller; when the queue is
// full the event is dropped.
func (wp *WorkerPool) Dispatch(ev FeedEvent) {
	select {
	case wp.jobs <- ev:
	default:
		wp.log.Warn().
			Str("device_id", ev.DeviceID).
			Str("kind", string(ev.Kind)).
			Msg("notification queue full, dropping event")
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan FeedEvent {
	return wp.jobs
}

func (wp *WorkerPool) sendNotificationsForDevice(ctx context.Context, ev FeedEvent) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_device_mapping sdm ON sdm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sdm.device_id = ?", ev.DeviceID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Error().Err(err).Str("device_id", ev.DeviceID).Msg("failed to fetch subscriptions")
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(pushPayload{Title: "SnackLoader", Body: ev.Message(), Event: ev})
	if err != nil {
		wp.log.Error().Err(err).Msg("failed to encode notification")
		return
	}

	wp.log.Info().
		Str("device_id", ev.DeviceID).
		Str("kind", string(ev.Kind)).
		Int("subscriptions", len(subscriptions)).
		Msg("sending notifications")
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to send notification")
		return
	}
	defer resp.Body.Close()

	// Expired subscription
	if resp.StatusCode == http.StatusGone {
		wp.log.Info().Str("endpoint", sub.Endpoint).Msg("subscription expired, deleting")
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	}
}
