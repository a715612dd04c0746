// Package mqtt publishes normalized readings and alert events to an MQTT
// broker for downstream consumers (dashboards, home automation). Publishing
// is optional; a disabled publisher accepts every call as a no-op.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stringwatch/stringwatch/internal/database"
)

// Publisher pushes telemetry to one broker under a topic prefix
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
}

// PublisherConfig holds broker connection settings
type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

// NewPublisher connects to the broker, or returns a disabled publisher when
// MQTT is not configured.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("[MQTT] Connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Printf("[MQTT] Connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		enabled:     true,
	}, nil
}

// ReadingTopic is where one string's readings are published
func ReadingTopic(prefix, deviceID string, stringNumber int) string {
	return fmt.Sprintf("%s/readings/%s/%d", prefix, deviceID, stringNumber)
}

// AlertTopic is where one device's alert events are published
func AlertTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/alerts/%s", prefix, deviceID)
}

type readingPayload struct {
	PlantID      string    `json:"plant_id"`
	DeviceID     string    `json:"device_id"`
	StringNumber int       `json:"string_number"`
	Voltage      float64   `json:"voltage"`
	Current      float64   `json:"current"`
	Power        float64   `json:"power"`
	Timestamp    time.Time `json:"timestamp"`
}

// ReadingPayload builds the JSON body for one reading
func ReadingPayload(r database.StringReading) ([]byte, error) {
	return json.Marshal(readingPayload{
		PlantID:      r.PlantID,
		DeviceID:     r.DeviceID,
		StringNumber: r.StringNumber,
		Voltage:      r.Voltage,
		Current:      r.Current,
		Power:        r.Power,
		Timestamp:    r.Timestamp,
	})
}

type alertPayload struct {
	Event string         `json:"event"`
	Alert database.Alert `json:"alert"`
}

// AlertPayload builds the JSON body for one alert event
func AlertPayload(event string, alert database.Alert) ([]byte, error) {
	return json.Marshal(alertPayload{Event: event, Alert: alert})
}

// PublishReadings pushes a batch of readings, one topic per string. The
// latest value is retained so late subscribers see current state.
func (p *Publisher) PublishReadings(readings []database.StringReading) {
	if !p.enabled {
		return
	}
	for _, r := range readings {
		payload, err := ReadingPayload(r)
		if err != nil {
			log.Printf("[MQTT] Marshal reading: %v", err)
			continue
		}
		topic := ReadingTopic(p.topicPrefix, r.DeviceID, r.StringNumber)
		token := p.client.Publish(topic, 0, true, payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("[MQTT] Publish to %s failed: %v", topic, token.Error())
		}
	}
}

func (p *Publisher) publishAlert(event string, alert database.Alert) {
	if !p.enabled {
		return
	}
	payload, err := AlertPayload(event, alert)
	if err != nil {
		log.Printf("[MQTT] Marshal alert: %v", err)
		return
	}
	topic := AlertTopic(p.topicPrefix, alert.DeviceID)
	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	if token.Error() != nil {
		log.Printf("[MQTT] Publish to %s failed: %v", topic, token.Error())
	}
}

// AlertOpened implements the alert engine's sink contract
func (p *Publisher) AlertOpened(alert database.Alert) {
	p.publishAlert("opened", alert)
}

// AlertResolved implements the alert engine's sink contract
func (p *Publisher) AlertResolved(alert database.Alert) {
	p.publishAlert("resolved", alert)
}

// IsConnected reports broker connectivity
func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
