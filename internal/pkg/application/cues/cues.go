package cues

import (
	"context"
	"sync"
	"time"

	"github.com/smartstick/guardian-monitor/internal/pkg/application/fallalert"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/webevents"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/push"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

const (
	SirenEvent        = "siren"
	VibrationEvent    = "vibration"
	NotificationEvent = "notification"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

const pushTimeout = 10 * time.Second

// Cue tells the dashboards watching a device to start or stop an audible or
// haptic signal.
type Cue struct {
	DeviceID   string  `json:"deviceID"`
	Action     string  `json:"action"`
	DurationMs int64   `json:"durationMs,omitempty"`
	Pattern    []int64 `json:"pattern,omitempty"`
}

type EventPublisher interface {
	Publish(channel, event string, data any) error
}

type effects struct {
	events   EventPublisher
	notifier push.Sender
	wg       sync.WaitGroup
}

// New renders fall alarms as web events on the channels of the device's
// guardian and the admins, and as push notifications.
func New(events EventPublisher, notifier push.Sender) fallalert.Effects {
	return &effects{
		events:   events,
		notifier: notifier,
	}
}

func (e *effects) Siren(ctx context.Context, device types.Device, duration time.Duration) (fallalert.Handle, error) {
	return e.start(device, SirenEvent, Cue{
		DeviceID:   device.ID,
		Action:     ActionStart,
		DurationMs: duration.Milliseconds(),
	})
}

func (e *effects) Vibrate(ctx context.Context, device types.Device, pattern []time.Duration) (fallalert.Handle, error) {
	ms := make([]int64, 0, len(pattern))
	var total time.Duration

	for _, p := range pattern {
		ms = append(ms, p.Milliseconds())
		total += p
	}

	return e.start(device, VibrationEvent, Cue{
		DeviceID:   device.ID,
		Action:     ActionStart,
		DurationMs: total.Milliseconds(),
		Pattern:    ms,
	})
}

// Notify shows the notification on open dashboards right away and hands it
// to the push sender in the background.
func (e *effects) Notify(ctx context.Context, device types.Device) error {
	if err := e.publish(device, NotificationEvent, push.FallNotification(device)); err != nil {
		return err
	}

	if e.notifier == nil {
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()

		if err := e.notifier.Notify(ctx, device); err != nil {
			log := logging.GetLoggerFromContext(ctx)
			log.Warn().Err(err).Str("deviceID", device.ID).Msg("push notification failed")
		}
	}()

	return nil
}

func (e *effects) start(device types.Device, event string, cue Cue) (fallalert.Handle, error) {
	if err := e.publish(device, event, cue); err != nil {
		return nil, err
	}

	return &handle{stop: func() {
		e.publish(device, event, Cue{DeviceID: device.ID, Action: ActionStop})
	}}, nil
}

func (e *effects) publish(device types.Device, event string, data any) error {
	channels := []string{webevents.AdminChannel}
	if device.AssignedTo != "" {
		channels = append(channels, device.AssignedTo)
	}

	for _, ch := range channels {
		if err := e.events.Publish(ch, event, data); err != nil {
			return err
		}
	}

	return nil
}

type handle struct {
	once sync.Once
	stop func()
}

func (h *handle) Stop() {
	h.once.Do(h.stop)
}
