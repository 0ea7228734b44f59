package cues

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/fallalert"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/webevents"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/push"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

func TestSirenStartsAndStopsOnBothChannels(t *testing.T) {
	is, ctx, e, f := testSetup(t)

	h, err := e.Siren(ctx, device, fallalert.SirenDuration)
	is.NoErr(err)

	h.Stop()
	h.Stop()

	guardian := f.events.on("g1")
	is.Equal(len(guardian), 2)
	is.Equal(guardian[0].event, SirenEvent)
	is.Equal(guardian[0].data.(Cue).Action, ActionStart)
	is.Equal(guardian[0].data.(Cue).DurationMs, int64(10000))
	is.Equal(guardian[1].data.(Cue).Action, ActionStop)

	is.Equal(len(f.events.on(webevents.AdminChannel)), 2)
}

func TestVibrationPatternLastsAsLongAsSiren(t *testing.T) {
	is, ctx, e, f := testSetup(t)

	_, err := e.Vibrate(ctx, device, fallalert.VibrationPattern)
	is.NoErr(err)

	cue := f.events.on("g1")[0].data.(Cue)
	is.Equal(cue.DurationMs, fallalert.SirenDuration.Milliseconds())
	is.Equal(len(cue.Pattern), len(fallalert.VibrationPattern))
}

func TestNotifyPushesInBackground(t *testing.T) {
	is, ctx, e, f := testSetup(t)

	is.NoErr(e.Notify(ctx, device))
	e.(*effects).wg.Wait()

	is.Equal(f.events.on("g1")[0].data.(push.Notification).Title, "FALL DETECTED!")
	is.Equal(f.sender.devices(), []string{"STICK-001"})
}

func TestPushFailureIsNotReturned(t *testing.T) {
	is, ctx, e, f := testSetup(t)
	f.sender.err = errors.New("gateway down")

	is.NoErr(e.Notify(ctx, device))
	e.(*effects).wg.Wait()
}

func TestUnassignedDeviceOnlyReachesAdmins(t *testing.T) {
	is, ctx, e, f := testSetup(t)

	_, err := e.Siren(ctx, types.Device{ID: "D"}, time.Second)
	is.NoErr(err)

	is.Equal(len(f.events.on(webevents.AdminChannel)), 1)
	is.Equal(len(f.events.on("")), 0)
}

var device = types.Device{ID: "STICK-001", AssignedTo: "g1", UserName: "Ravi"}

type fixture struct {
	events *fakeEvents
	sender *fakeSender
}

func testSetup(t *testing.T) (*is.I, context.Context, fallalert.Effects, *fixture) {
	is := is.New(t)

	f := &fixture{
		events: &fakeEvents{},
		sender: &fakeSender{},
	}

	return is, context.Background(), New(f.events, f.sender), f
}

type published struct {
	channel string
	event   string
	data    any
}

type fakeEvents struct {
	mu  sync.Mutex
	all []published
}

func (e *fakeEvents) Publish(channel, event string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, published{channel, event, data})
	return nil
}

func (e *fakeEvents) on(channel string) []published {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := []published{}
	for _, p := range e.all {
		if p.channel == channel {
			result = append(result, p)
		}
	}
	return result
}

type fakeSender struct {
	mu       sync.Mutex
	notified []string
	err      error
}

func (s *fakeSender) Notify(ctx context.Context, device types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, device.ID)
	return s.err
}

func (s *fakeSender) devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notified
}
