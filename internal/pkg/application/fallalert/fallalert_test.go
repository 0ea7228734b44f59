package fallalert

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/localstate"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

func TestRisingEdgeStartsAlarm(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", true))

	is.Equal(svc.Status("STICK-001").State, Alarming)
	is.Equal(f.effects.sirens, 1)
	is.Equal(f.effects.vibrations, 1)
	is.Equal(f.effects.notifications, 1)
	is.Equal(f.history.entries["STICK-001"], 1)
	is.Equal(f.publisher.topics, []string{"fallalert.started"})
	is.Equal(len(svc.Banners("STICK-001")), 1)
}

func TestAlarmRepeatsWithoutAddingHistory(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", true))
	f.clock.Advance(RepeatInterval)
	f.clock.Advance(RepeatInterval)

	is.Equal(f.effects.sirens, 3)
	is.Equal(f.effects.notifications, 3)
	is.Equal(f.effects.active(), 2) // one siren and one vibration
	is.Equal(f.history.entries["STICK-001"], 1)
}

func TestDuplicateFallEventsNeverStackCycles(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	for i := 0; i < 5; i++ {
		svc.Observe(ctx, fallen("STICK-001", true))
		f.clock.Advance(time.Second)
	}

	is.Equal(f.effects.sirens, 1)
	is.Equal(f.effects.active(), 2)
	is.Equal(f.clock.pending(), 2) // repeat and timeout

	f.clock.Advance(RepeatInterval)
	is.Equal(f.effects.active(), 2)
	is.Equal(f.clock.pending(), 2)
}

func TestAcknowledgeSilencesAndPersists(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", true))
	is.NoErr(svc.Acknowledge(ctx, "STICK-001"))

	is.Equal(svc.Status("STICK-001").State, Acknowledged)
	is.Equal(f.effects.active(), 0)
	is.Equal(f.clock.pending(), 0)

	var session types.AlertSession
	is.NoErr(f.state.Get(ctx, localstate.FallAlertKey("STICK-001"), &session))
	is.True(session.Acknowledged)
	is.True(session.StartedAt.Equal(f.clock.Now()))

	f.clock.Advance(time.Hour)
	svc.Observe(ctx, fallen("STICK-001", true))
	is.Equal(f.effects.sirens, 1)

	is.NoErr(svc.Acknowledge(ctx, "STICK-001"))
}

func TestAcknowledgeWithoutAlarmFails(t *testing.T) {
	is, ctx, svc, _ := testSetup(t)

	err := svc.Acknowledge(ctx, "STICK-001")
	is.True(errors.Is(err, ErrNoActiveAlert))
}

func TestAcknowledgeThenClearThenRiseRearms(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", true))
	is.NoErr(svc.Acknowledge(ctx, "STICK-001"))

	svc.Observe(ctx, fallen("STICK-001", false))
	is.Equal(svc.Status("STICK-001").State, Idle)
	is.True(errors.Is(f.state.Get(ctx, localstate.FallAlertKey("STICK-001"), &types.AlertSession{}), localstate.ErrNoValue))

	svc.Observe(ctx, fallen("STICK-001", true))
	is.Equal(svc.Status("STICK-001").State, Alarming)
	is.Equal(f.effects.sirens, 2)
	is.Equal(f.history.entries["STICK-001"], 2)
}

func TestUnacknowledgedAlarmTimesOut(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", true))
	f.clock.Advance(Timeout)

	is.Equal(svc.Status("STICK-001").State, Idle)
	is.Equal(f.effects.active(), 0)
	is.Equal(f.clock.pending(), 0)
	is.Equal(f.history.entries["STICK-001"], 1)

	sirens := f.effects.sirens
	f.clock.Advance(time.Minute)
	svc.Observe(ctx, fallen("STICK-001", true))
	is.Equal(f.effects.sirens, sirens) // still the same fall, no new edge
}

func TestFallClearIsIdempotent(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", false))
	svc.Observe(ctx, fallen("STICK-001", false))

	is.Equal(svc.Status("STICK-001").State, Idle)
	is.Equal(len(f.publisher.topics), 0)
}

func TestRecentAcknowledgementSurvivesRestart(t *testing.T) {
	is, ctx, _, f := testSetup(t)

	f.state.Set(ctx, localstate.FallAlertKey("STICK-001"), types.AlertSession{Acknowledged: true, StartedAt: f.clock.Now().Add(-10 * time.Minute)}, 0)
	f.state.Set(ctx, localstate.FallAlertKey("STICK-002"), types.AlertSession{Acknowledged: true, StartedAt: f.clock.Now().Add(-45 * time.Minute)}, 0)

	svc := New(ctx, f.clock, f.effects, f.history, f.state, f.publisher)

	svc.Observe(ctx, fallen("STICK-001", true))
	is.Equal(svc.Status("STICK-001").State, Acknowledged)
	is.Equal(f.effects.sirens, 0)

	svc.Observe(ctx, fallen("STICK-002", true))
	is.Equal(svc.Status("STICK-002").State, Alarming)
	is.Equal(f.effects.sirens, 1)
}

func TestFailingEffectsDoNotBlockOthers(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	f.effects.sirenErr = errors.New("autoplay blocked")
	svc.Observe(ctx, fallen("STICK-001", true))

	is.Equal(svc.Status("STICK-001").State, Alarming)
	is.Equal(f.effects.vibrations, 1)
	is.Equal(f.effects.notifications, 1)
}

func TestDismissingBannerKeepsAlarmRunning(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", true))
	banners := svc.Banners("STICK-001")
	is.Equal(len(banners), 1)

	is.NoErr(svc.DismissBanner(banners[0].ID))
	is.Equal(len(svc.Banners("STICK-001")), 0)
	is.Equal(svc.Status("STICK-001").State, Alarming)

	f.clock.Advance(RepeatInterval)
	is.Equal(f.effects.sirens, 2)

	is.True(errors.Is(svc.DismissBanner(banners[0].ID), ErrUnknownBanner))
}

func TestLowBatteryRaisesBannerOnce(t *testing.T) {
	is, ctx, svc, _ := testSetup(t)

	d := fallen("STICK-001", false)
	d.Battery = 15

	svc.Observe(ctx, d)
	svc.Observe(ctx, d)

	banners := svc.Banners("STICK-001")
	is.Equal(len(banners), 1)
	is.Equal(banners[0].Kind, BannerLowBattery)

	d.Battery = 90
	svc.Observe(ctx, d)
	is.Equal(len(svc.Banners("STICK-001")), 0)
}

func TestUnreportedBatteryRaisesNoBanner(t *testing.T) {
	is, ctx, svc, _ := testSetup(t)

	d := fallen("STICK-001", false)
	d.Battery = 0
	svc.Observe(ctx, d)
	is.Equal(len(svc.Banners("STICK-001")), 0)

	d.Battery = 1
	svc.Observe(ctx, d)
	is.Equal(len(svc.Banners("STICK-001")), 1)
}

func TestStopTearsDownEverything(t *testing.T) {
	is, ctx, svc, f := testSetup(t)

	svc.Observe(ctx, fallen("STICK-001", true))
	svc.Observe(ctx, fallen("STICK-002", true))
	svc.Stop()

	is.Equal(f.effects.active(), 0)
	is.Equal(f.clock.pending(), 0)
}

type fixture struct {
	clock     *fakeClock
	effects   *fakeEffects
	history   *fakeHistory
	state     localstate.Store
	publisher *fakePublisher
}

func testSetup(t *testing.T) (*is.I, context.Context, Service, *fixture) {
	is := is.New(t)
	ctx := context.Background()

	f := &fixture{
		clock:     &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		effects:   &fakeEffects{handles: map[*fakeHandle]bool{}},
		history:   &fakeHistory{entries: map[string]int{}},
		state:     localstate.NewMemoryStore(),
		publisher: &fakePublisher{},
	}

	return is, ctx, New(ctx, f.clock, f.effects, f.history, f.state, f.publisher), f
}

func fallen(deviceID string, fall bool) types.MergedDevice {
	return types.MergedDevice{
		Device: types.Device{
			ID:         deviceID,
			AssignedTo: "guardian-1",
			Battery:    80,
			FallStatus: fall,
			GPS:        types.GPS{Lat: 28.61, Lng: 77.20},
		},
		Telemetry: &types.Telemetry{IsOnline: true},
	}
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in order, outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		due := []*fakeTimer{}
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	e *fakeEffects
}

func (h *fakeHandle) Stop() {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	delete(h.e.handles, h)
}

type fakeEffects struct {
	mu            sync.Mutex
	handles       map[*fakeHandle]bool
	sirens        int
	vibrations    int
	notifications int
	sirenErr      error
}

func (e *fakeEffects) Siren(ctx context.Context, device types.Device, duration time.Duration) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sirens++
	if e.sirenErr != nil {
		return nil, e.sirenErr
	}

	h := &fakeHandle{e: e}
	e.handles[h] = true
	return h, nil
}

func (e *fakeEffects) Vibrate(ctx context.Context, device types.Device, pattern []time.Duration) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.vibrations++
	h := &fakeHandle{e: e}
	e.handles[h] = true
	return h, nil
}

func (e *fakeEffects) Notify(ctx context.Context, device types.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notifications++
	return nil
}

func (e *fakeEffects) active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

type fakeHistory struct {
	entries map[string]int
}

func (h *fakeHistory) AddFallHistory(ctx context.Context, deviceID string, gps types.GPS) error {
	h.entries[deviceID]++
	return nil
}

type fakePublisher struct {
	topics []string
}

func (p *fakePublisher) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	p.topics = append(p.topics, message.TopicName())
	return nil
}
