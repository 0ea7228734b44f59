package fallalert

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

// NewAcknowledgeRequestedHandler silences the alarm of a device on behalf of
// another service, e.g. a call center that reached the guardian by phone.
func NewAcknowledgeRequestedHandler(svc Service) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		req := types.AcknowledgeRequested{}

		err := json.Unmarshal(msg.Body, &req)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		if req.DeviceID == "" {
			logger.Error().Msg("acknowledge request without device id")
			return
		}

		logger = logger.With().Str("deviceID", req.DeviceID).Logger()

		err = svc.Acknowledge(ctx, req.DeviceID)
		if errors.Is(err, ErrNoActiveAlert) {
			logger.Debug().Msg("no alarm to acknowledge")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("could not acknowledge fall alert")
			return
		}

		logger.Debug().Msgf("%s handled", msg.RoutingKey)
	}
}
