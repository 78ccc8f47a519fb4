// Package mqtt relays domain events onto an MQTT broker for downstream
// consumers (billing, dashboards). Publishing is fire-and-forget; a broker
// outage never blocks protocol handling.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// PublisherConfig holds the broker connection settings.
type PublisherConfig struct {
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string
	ClientID   string
	QoS        byte
	Retained   bool
}

// Publisher owns the broker connection and the envelope framing.
type Publisher struct {
	client paho.Client
	config PublisherConfig
	logger zerolog.Logger
}

// BusinessEvent is the envelope every relayed event is wrapped in.
type BusinessEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType string      `json:"eventType"`
	EventID   string      `json:"eventId"`
	Payload   interface{} `json:"payload"`
}

// NewPublisher creates a publisher with auto-reconnect enabled. Connect
// must be called before publishing.
func NewPublisher(config PublisherConfig, logger zerolog.Logger) *Publisher {
	log := logger.With().Str("component", "mqtt-publisher").Logger()

	opts := paho.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", config.BrokerHost, config.BrokerPort)
	opts.AddBroker(brokerURL)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(30 * time.Second)
	opts.SetMaxReconnectInterval(5 * time.Minute)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		log.Warn().Err(err).Msg("broker connection lost")
	})
	opts.SetOnConnectHandler(func(client paho.Client) {
		log.Info().Str("broker", brokerURL).Msg("connected to broker")
	})

	return &Publisher{
		client: paho.NewClient(opts),
		config: config,
		logger: log,
	}
}

// Connect establishes the broker connection.
func (p *Publisher) Connect() error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info().Msg("disconnected from broker")
	}
}

// IsConnected reports whether the broker connection is up.
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// PublishEvent publishes one domain event asynchronously. Topics follow
// csms/{category}/{id}/{eventType}, e.g. csms/transactions/<txId>/started.
func (p *Publisher) PublishEvent(category, id, eventType string, payload interface{}) {
	go func() {
		if err := p.publishEventSync(category, id, eventType, payload); err != nil {
			p.logger.Warn().Err(err).
				Str("category", category).
				Str("eventType", eventType).
				Msg("failed to publish event")
		}
	}()
}

func (p *Publisher) publishEventSync(category, id, eventType string, payload interface{}) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	message := BusinessEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		EventID:   fmt.Sprintf("%s_%d", eventType, time.Now().UnixNano()),
		Payload:   payload,
	}
	jsonPayload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := fmt.Sprintf("csms/%s/%s/%s", category, id, eventType)
	token := p.client.Publish(topic, p.config.QoS, p.config.Retained, jsonPayload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timeout waiting for publish to complete")
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish event: %w", token.Error())
	}

	p.logger.Debug().Str("topic", topic).Msg("event published")
	return nil
}
