package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
)

// DefaultTopic matches the data topic of every smart stick. The last topic
// level is the IoT source id.
const DefaultTopic = "SmartStickData/+"

var ErrNotConnected = errors.New("not connected to mqtt broker")

type SampleWriter interface {
	SaveSample(ctx context.Context, sourceID string, payload []byte) error
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

func LoadConfig(log zerolog.Logger) Config {
	return Config{
		Broker:   env.GetVariableOrDefault(log, "MQTT_BROKER", ""),
		ClientID: env.GetVariableOrDefault(log, "MQTT_CLIENT_ID", "guardian-monitor-"+uuid.NewString()[:8]),
		Username: env.GetVariableOrDefault(log, "MQTT_USERNAME", ""),
		Password: env.GetVariableOrDefault(log, "MQTT_PASSWORD", ""),
		Topic:    env.GetVariableOrDefault(log, "MQTT_TOPIC", DefaultTopic),
	}
}

type Subscriber interface {
	Start(ctx context.Context) error
	Stop()
}

type subscriber struct {
	cfg    Config
	store  SampleWriter
	client MQTT.Client
}

func New(cfg Config, store SampleWriter) Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	return &subscriber{cfg: cfg, store: store}
}

// Start connects to the broker and subscribes to the sample topic, again
// after every reconnect.
func (s *subscriber) Start(ctx context.Context) error {
	log := logging.GetLoggerFromContext(ctx).With().Str("broker", s.cfg.Broker).Str("topic", s.cfg.Topic).Logger()

	handler := NewMessageHandler(ctx, s.store)

	opts := MQTT.NewClientOptions().AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetCleanSession(true)
	opts.ConnectRetry = true
	opts.AutoReconnect = true
	opts.ConnectTimeout = 10 * time.Second

	opts.OnConnect = func(c MQTT.Client) {
		log.Info().Msg("connected to mqtt broker")

		if token := c.Subscribe(s.cfg.Topic, 1, handler); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msg("failed to subscribe")
		}
	}
	opts.OnConnectionLost = func(c MQTT.Client, err error) {
		log.Warn().Err(err).Msg("connection lost to mqtt broker")
	}
	opts.OnReconnecting = func(MQTT.Client, *MQTT.ClientOptions) {
		log.Info().Msg("attempting to reconnect to the mqtt broker")
	}

	s.client = MQTT.NewClient(opts)

	// with ConnectRetry the token completes once the first attempt is made
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, token.Error().Error())
	}

	return nil
}

func (s *subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).Wait()
		s.client.Disconnect(250)
	}
}

// NewMessageHandler stores every payload as the latest sample of the source
// named by the last topic level.
func NewMessageHandler(ctx context.Context, store SampleWriter) MQTT.MessageHandler {
	log := logging.GetLoggerFromContext(ctx)

	return func(client MQTT.Client, msg MQTT.Message) {
		topic := msg.Topic()
		sourceID := topic[strings.LastIndex(topic, "/")+1:]

		if sourceID == "" {
			log.Debug().Str("topic", topic).Msg("ignoring message without source id")
			return
		}

		if err := store.SaveSample(ctx, sourceID, msg.Payload()); err != nil {
			log.Error().Err(err).Str("source", sourceID).Msg("failed to store sample")
			return
		}

		log.Debug().Str("source", sourceID).Msg("sample stored")
	}
}
