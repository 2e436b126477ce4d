package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const topicPattern = "evoshield/events/%s"

// MQTTClient is the subset of the paho client the sink uses, so tests can mock it.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	Broker   string
	Port     int
	Username string
	Password string
	ClientID string
	QoS      byte
}

// MQTTSink publishes events to evoshield/events/{type}.
type MQTTSink struct {
	cfg           MQTTConfig
	logger        *slog.Logger
	client        MQTTClient
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTSink creates a sink backed by the paho client.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	return NewMQTTSinkWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTSinkWithClient creates a sink with a custom client factory (for testing).
func NewMQTTSinkWithClient(cfg MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("evoshield-%d", time.Now().Unix())
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	return &MQTTSink{
		cfg:           cfg,
		logger:        logger.With("component", "events", "sink", "mqtt"),
		clientFactory: factory,
	}
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Start connects to the broker.
func (m *MQTTSink) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", m.cfg.Broker, m.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})

	m.client = m.clientFactory(opts)

	m.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (m *MQTTSink) Stop() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// Deliver publishes the event as JSON.
func (m *MQTTSink) Deliver(ctx context.Context, e Event) error {
	if m.client == nil || !m.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := fmt.Sprintf(topicPattern, e.Type)
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)

	wait := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	m.logger.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}
