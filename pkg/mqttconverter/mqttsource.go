package mqttconverter

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/ingest"
)

// ====================================================================================
// Optional MQTT ingress. Units in the field publish their wire payloads to
// a broker topic; this source subscribes and pushes each payload into the
// ingest dispatcher. At QoS 0 a rejected enqueue is dropped and counted;
// the backpressure signal has nowhere upstream to go.
// ====================================================================================

// PayloadSink is where received payloads land. The ingest dispatcher
// satisfies it.
type PayloadSink interface {
	Enqueue(raw []byte) (ingest.Receipt, error)
}

// Config holds the MQTT connection settings. An empty BrokerURL disables
// the source entirely.
type Config struct {
	BrokerURL      string
	Topic          string
	ClientIDPrefix string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns defaults for everything but the broker and topic.
func DefaultConfig() Config {
	return Config{
		ClientIDPrefix: "containerflow-",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Source subscribes to the telemetry topic and feeds the dispatcher.
type Source struct {
	cfg    Config
	sink   PayloadSink
	logger zerolog.Logger
	client mqtt.Client

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewSource creates an MQTT source feeding the given sink.
func NewSource(cfg Config, sink PayloadSink, logger zerolog.Logger) *Source {
	return &Source{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "MQTTSource").Logger(),
	}
}

// Start connects to the broker and subscribes. Subscription happens in the
// OnConnect handler so it is re-established after an automatic reconnect.
func (s *Source) Start() error {
	if s.cfg.BrokerURL == "" {
		return fmt.Errorf("mqttconverter: broker URL is required")
	}
	if s.cfg.Topic == "" {
		return fmt.Errorf("mqttconverter: topic is required")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientIDPrefix + uuid.NewString()[:8]).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn().Err(err).Msg("MQTT connection lost.")
		})

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqttconverter: connect to %s timed out", s.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttconverter: connect to %s: %w", s.cfg.BrokerURL, err)
	}

	s.logger.Info().Str("broker", s.cfg.BrokerURL).Str("topic", s.cfg.Topic).Msg("MQTT source connected.")
	return nil
}

func (s *Source) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, 0, s.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error().Err(err).Str("topic", s.cfg.Topic).Msg("MQTT subscribe failed.")
			return
		}
		s.logger.Info().Str("topic", s.cfg.Topic).Msg("Subscribed to telemetry topic.")
	}()
}

func (s *Source) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.received.Add(1)

	// Paho may reuse the message buffer after the handler returns.
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	if _, err := s.sink.Enqueue(payload); err != nil {
		s.dropped.Add(1)
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Ingest queue rejected MQTT payload, dropping.")
	}
}

// Stop unsubscribes and disconnects.
func (s *Source) Stop() {
	if s.client == nil {
		return
	}
	s.client.Unsubscribe(s.cfg.Topic)
	s.client.Disconnect(250)
	s.logger.Info().
		Uint64("received", s.received.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("MQTT source stopped.")
}
