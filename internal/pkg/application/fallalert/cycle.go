package fallalert

import (
	"context"
	"time"

	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

const (
	RepeatInterval = 15 * time.Second
	SirenDuration  = 10 * time.Second
)

// VibrationPattern alternates vibration and pause and lasts as long as the siren.
var VibrationPattern = []time.Duration{
	1000 * time.Millisecond, 500 * time.Millisecond,
	1000 * time.Millisecond, 500 * time.Millisecond,
	1000 * time.Millisecond, 500 * time.Millisecond,
	1000 * time.Millisecond, 500 * time.Millisecond,
	1000 * time.Millisecond, 500 * time.Millisecond,
	1000 * time.Millisecond, 500 * time.Millisecond,
	1000 * time.Millisecond,
}

// Handle stops an effect that is still playing.
type Handle interface {
	Stop()
}

// Effects renders the alarm to the people watching a device.
type Effects interface {
	Siren(ctx context.Context, device types.Device, duration time.Duration) (Handle, error)
	Vibrate(ctx context.Context, device types.Device, pattern []time.Duration) (Handle, error)
	Notify(ctx context.Context, device types.Device) error
}

// cycle owns everything an alarming device keeps running: the current siren
// and vibration and the timer that repeats them. There is at most one cycle
// per device and it must be stopped before a new one is started.
type cycle struct {
	ctx     context.Context
	clock   Clock
	effects Effects
	device  types.Device

	siren     Handle
	vibration Handle
	repeat    Timer
	stopped   bool

	onRepeat func(c *cycle)
}

func startCycle(ctx context.Context, clock Clock, effects Effects, device types.Device, onRepeat func(c *cycle)) *cycle {
	c := &cycle{
		ctx:      ctx,
		clock:    clock,
		effects:  effects,
		device:   device,
		onRepeat: onRepeat,
	}

	c.fire()

	return c
}

// fire plays the siren, vibration and notification once and schedules the
// next repetition. Failing effects are logged and do not block the others.
func (c *cycle) fire() {
	log := logging.GetLoggerFromContext(c.ctx).With().Str("deviceID", c.device.ID).Logger()

	c.silence()

	if h, err := c.effects.Siren(c.ctx, c.device, SirenDuration); err != nil {
		log.Warn().Err(err).Msg("failed to play siren")
	} else {
		c.siren = h
	}

	if h, err := c.effects.Vibrate(c.ctx, c.device, VibrationPattern); err != nil {
		log.Warn().Err(err).Msg("failed to vibrate")
	} else {
		c.vibration = h
	}

	if err := c.effects.Notify(c.ctx, c.device); err != nil {
		log.Warn().Err(err).Msg("failed to send fall notification")
	}

	c.repeat = c.clock.AfterFunc(RepeatInterval, func() {
		c.onRepeat(c)
	})
}

func (c *cycle) silence() {
	if c.siren != nil {
		c.siren.Stop()
		c.siren = nil
	}

	if c.vibration != nil {
		c.vibration.Stop()
		c.vibration = nil
	}
}

func (c *cycle) stop() {
	if c == nil || c.stopped {
		return
	}

	c.stopped = true
	c.silence()

	if c.repeat != nil {
		c.repeat.Stop()
		c.repeat = nil
	}
}
