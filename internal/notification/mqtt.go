package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"snackloader-backend/config"
	"snackloader-backend/internal/model"
)

// CommandTopic is where a device listens for new-command nudges.
func CommandTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/commands", prefix, deviceID)
}

// MQTTPublisher pushes freshly queued commands to the device so it does not
// have to wait for its next poll. Polling stays the source of truth.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    zerolog.Logger
}

// NewMQTTPublisher connects to the configured broker.
func NewMQTTPublisher(cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTPublisher, error) {
	log := logger.With().Str("component", "mqtt").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info().Str("broker", cfg.Broker).Msg("connected to mqtt broker")

	return newMQTTPublisher(client, cfg, log), nil
}

func newMQTTPublisher(client mqtt.Client, cfg config.MQTTConfig, log zerolog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		log:    log,
	}
}

// PublishCommand sends cmd as JSON to the device's command topic.
func (p *MQTTPublisher) PublishCommand(ctx context.Context, cmd model.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command %s: %w", cmd.ID, err)
	}
	topic := CommandTopic(p.prefix, cmd.DeviceID)

	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// NoopPublisher is used when MQTT is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishCommand(context.Context, model.Command) error { return nil }
