package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sys/unix"
)

var tracer = otel.Tracer("guardian-monitor/push")

const (
	EventType   = "smartstick.fallAlert"
	EventSource = "github.com/smartstick/guardian-monitor"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is rendered as is by the browser that owns the token.
type Notification struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Tag                string   `json:"tag"`
	RequireInteraction bool     `json:"requireInteraction"`
	Vibrate            []int    `json:"vibrate"`
	Actions            []Action `json:"actions"`
}

type Message struct {
	DeviceID     string       `json:"deviceID"`
	GuardianID   string       `json:"guardianID,omitempty"`
	UserName     string       `json:"userName,omitempty"`
	GPS          types.GPS    `json:"gps"`
	Tokens       []string     `json:"tokens"`
	Notification Notification `json:"notification"`
	Timestamp    time.Time    `json:"timestamp"`
}

func FallNotification(device types.Device) Notification {
	body := "Immediate attention required!"
	if device.UserName != "" {
		body = fmt.Sprintf("%s needs immediate attention!", device.UserName)
	}

	return Notification{
		Title:              "FALL DETECTED!",
		Body:               body + "\nTap Acknowledge to stop alarm.",
		Tag:                "fall-alert",
		RequireInteraction: true,
		Vibrate:            []int{1000, 100, 1000, 100, 1000, 100, 1000, 100, 1000, 100, 1000, 100},
		Actions: []Action{
			{Action: "open", Title: "Open Dashboard"},
			{Action: "acknowledge", Title: "Acknowledge"},
		},
	}
}

type Sender interface {
	Notify(ctx context.Context, device types.Device) error
}

type subscriber struct {
	endpoint string
	client   cloudevents.Client
}

type sender struct {
	subscribers []subscriber
	tokens      Registry
	now         func() time.Time
}

// New creates a sender posting fall alerts as cloud events to every
// subscriber configured for EventType.
func New(ctx context.Context, cfg *Config, tokens Registry) (Sender, error) {
	s := &sender{
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if cfg == nil {
		return s, nil
	}

	for _, n := range cfg.Notifications {
		if n.Type != EventType {
			continue
		}

		for _, sc := range n.Subscribers {
			c, err := cloudevents.NewClientHTTP(cehttp.WithRoundTripper(transport(ctx, sc.Auth)))
			if err != nil {
				return nil, err
			}

			s.subscribers = append(s.subscribers, subscriber{endpoint: sc.Endpoint, client: c})
		}
	}

	return s, nil
}

func transport(ctx context.Context, auth *AuthConfig) http.RoundTripper {
	traced := otelhttp.NewTransport(http.DefaultTransport)

	if auth == nil || auth.TokenURL == "" {
		return traced
	}

	oauthConfig := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: traced})

	return oauthConfig.Client(ctx).Transport
}

func (s *sender) Notify(ctx context.Context, device types.Device) error {
	if len(s.subscribers) == 0 {
		return nil
	}

	var err error
	ctx, span := tracer.Start(ctx, "notify-guardian")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	logger := logging.GetLoggerFromContext(ctx).With().Str("deviceID", device.ID).Logger()

	tokens := []string{}
	if device.AssignedTo != "" {
		tokens, err = s.tokens.TokensFor(ctx, device.AssignedTo)
		if err != nil {
			return err
		}
	}

	if len(tokens) == 0 {
		logger.Debug().Msg("no delivery tokens registered for guardian")
	}

	now := s.now()

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", device.ID, now.UnixMilli()))
	event.SetTime(now)
	event.SetSource(EventSource)
	event.SetType(EventType)
	event.SetSubject(device.ID)

	err = event.SetData(cloudevents.ApplicationJSON, Message{
		DeviceID:     device.ID,
		GuardianID:   device.AssignedTo,
		UserName:     device.UserName,
		GPS:          device.GPS,
		Tokens:       tokens,
		Notification: FallNotification(device),
		Timestamp:    now,
	})
	if err != nil {
		return err
	}

	for _, sub := range s.subscribers {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, sub.endpoint)

		result := sub.client.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send fall alert to %s", sub.endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}
