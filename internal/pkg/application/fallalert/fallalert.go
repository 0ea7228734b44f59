package fallalert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/localstate"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("guardian-monitor/fallalert")

// Timeout is how long an unacknowledged alarm keeps repeating, and how long
// an acknowledgement survives a restart.
const Timeout = 30 * time.Minute

// LowBatteryLevel is the level below which a low-battery banner is raised.
// A battery of zero is the value of a device that never reported one, and is
// not considered low.
const LowBatteryLevel = 20

var (
	ErrNoActiveAlert = errors.New("no active fall alert")
	ErrUnknownBanner = errors.New("unknown alert banner")
)

type State int

const (
	Idle State = iota
	Alarming
	Acknowledged
)

func (s State) String() string {
	switch s {
	case Alarming:
		return "ALARMING"
	case Acknowledged:
		return "ACKNOWLEDGED"
	default:
		return "IDLE"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Status struct {
	DeviceID  string    `json:"deviceID"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

const (
	BannerFall       = "fall"
	BannerLowBattery = "lowBattery"
)

type Banner struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceID"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type HistoryRecorder interface {
	AddFallHistory(ctx context.Context, deviceID string, gps types.GPS) error
}

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type Service interface {
	Observe(ctx context.Context, device types.MergedDevice)
	Acknowledge(ctx context.Context, deviceID string) error

	Status(deviceID string) Status
	Statuses(deviceIDs ...string) []Status

	Banners(deviceIDs ...string) []Banner
	DismissBanner(bannerID string) error

	Stop()
}

type machine struct {
	deviceID  string
	state     State
	startedAt time.Time
	lastFall  bool
	restored  bool

	cycle   *cycle
	timeout Timer
	// generation guards timer callbacks that fire after the alarm they
	// belonged to has ended.
	generation uint64

	lowBattery bool
}

type service struct {
	ctx       context.Context
	clock     Clock
	effects   Effects
	history   HistoryRecorder
	state     localstate.Store
	publisher Publisher

	mu       sync.Mutex
	machines map[string]*machine
	banners  map[string]Banner
}

func New(ctx context.Context, clock Clock, effects Effects, history HistoryRecorder, state localstate.Store, publisher Publisher) Service {
	return &service{
		ctx:       ctx,
		clock:     clock,
		effects:   effects,
		history:   history,
		state:     state,
		publisher: publisher,
		machines:  map[string]*machine{},
		banners:   map[string]Banner{},
	}
}

func (s *service) machine(ctx context.Context, deviceID string) *machine {
	m, ok := s.machines[deviceID]
	if ok {
		return m
	}

	m = &machine{deviceID: deviceID}
	s.machines[deviceID] = m

	var session types.AlertSession
	err := s.state.Get(ctx, localstate.FallAlertKey(deviceID), &session)
	if err == nil && session.Acknowledged && s.clock.Now().Sub(session.StartedAt) < Timeout {
		m.restored = true
		m.startedAt = session.StartedAt
	} else if err == nil {
		s.state.Delete(ctx, localstate.FallAlertKey(deviceID))
	}

	return m
}

func (s *service) Observe(ctx context.Context, device types.MergedDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.machine(ctx, device.ID)

	s.checkBattery(m, device.Device)

	rising := device.FallStatus && !m.lastFall
	m.lastFall = device.FallStatus

	if !device.FallStatus {
		s.clear(ctx, m)
		return
	}

	if !rising {
		return
	}

	if m.restored {
		m.restored = false
		m.state = Acknowledged
		log := logging.GetLoggerFromContext(ctx)
		log.Info().Str("deviceID", device.ID).Msg("fall alert already acknowledged before restart")
		return
	}

	s.raise(ctx, m, device.Device)
}

func (s *service) raise(ctx context.Context, m *machine, device types.Device) {
	var err error
	ctx, span := tracer.Start(ctx, "raise-fall-alert")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetLoggerFromContext(ctx).With().Str("deviceID", m.deviceID).Logger()
	log.Warn().Msg("fall detected")

	m.cycle.stop()
	s.stopTimeout(m)

	m.generation++
	generation := m.generation

	m.state = Alarming
	m.startedAt = s.clock.Now()

	if err = s.history.AddFallHistory(ctx, m.deviceID, device.GPS); err != nil {
		log.Error().Err(err).Msg("failed to record fall history")
	}

	s.addBanner(m.deviceID, BannerFall, fmt.Sprintf("Fall detected for %s", displayName(device)))

	m.cycle = startCycle(s.ctx, s.clock, s.effects, device, func(c *cycle) {
		s.repeat(m, c, generation)
	})

	m.timeout = s.clock.AfterFunc(Timeout, func() {
		s.expire(m, generation)
	})

	s.publish(ctx, &types.FallAlertStarted{
		DeviceID:   m.deviceID,
		AssignedTo: device.AssignedTo,
		GPS:        device.GPS,
		Timestamp:  m.startedAt,
	})
}

func (s *service) repeat(m *machine, c *cycle, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.generation != generation || m.state != Alarming || m.cycle != c || c.stopped {
		return
	}

	c.fire()
}

func (s *service) expire(m *machine, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.generation != generation || m.state != Alarming {
		return
	}

	log := logging.GetLoggerFromContext(s.ctx)
	log.Info().Str("deviceID", m.deviceID).Msg("fall alert timed out without acknowledgement")

	m.cycle.stop()
	m.cycle = nil
	m.timeout = nil
	m.state = Idle
	m.generation++

	s.publish(s.ctx, &types.FallAlertCleared{DeviceID: m.deviceID, TimedOut: true, Timestamp: s.clock.Now()})
}

func (s *service) clear(ctx context.Context, m *machine) {
	wasActive := m.state != Idle || m.restored

	m.cycle.stop()
	m.cycle = nil
	s.stopTimeout(m)

	m.state = Idle
	m.restored = false
	m.generation++

	if !wasActive {
		return
	}

	if err := s.state.Delete(ctx, localstate.FallAlertKey(m.deviceID)); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Err(err).Str("deviceID", m.deviceID).Msg("failed to clear persisted fall alert")
	}

	s.publish(ctx, &types.FallAlertCleared{DeviceID: m.deviceID, Timestamp: s.clock.Now()})
}

func (s *service) stopTimeout(m *machine) {
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
}

func (s *service) Acknowledge(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.machine(ctx, deviceID)

	switch m.state {
	case Acknowledged:
		return nil
	case Idle:
		return ErrNoActiveAlert
	}

	m.cycle.stop()
	m.cycle = nil
	s.stopTimeout(m)
	m.generation++
	m.state = Acknowledged

	now := s.clock.Now()
	err := s.state.Set(ctx, localstate.FallAlertKey(deviceID), types.AlertSession{Acknowledged: true, StartedAt: now}, Timeout)
	if err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Err(err).Str("deviceID", deviceID).Msg("failed to persist acknowledgement")
	}

	s.removeBanners(deviceID, BannerFall)

	s.publish(ctx, &types.FallAlertAcknowledged{DeviceID: deviceID, StartedAt: m.startedAt, Timestamp: now})

	return nil
}

func (s *service) Status(deviceID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status(deviceID)
}

func (s *service) status(deviceID string) Status {
	m, ok := s.machines[deviceID]
	if !ok || m.state == Idle {
		return Status{DeviceID: deviceID, State: Idle}
	}

	return Status{DeviceID: deviceID, State: m.state, StartedAt: m.startedAt}
}

// Statuses returns the alerts that are not idle, for the given devices or for
// every known device when none are given.
func (s *service) Statuses(deviceIDs ...string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(deviceIDs) == 0 {
		for id := range s.machines {
			deviceIDs = append(deviceIDs, id)
		}
		sort.Strings(deviceIDs)
	}

	statuses := []Status{}
	for _, id := range deviceIDs {
		if st := s.status(id); st.State != Idle {
			statuses = append(statuses, st)
		}
	}

	return statuses
}

func (s *service) checkBattery(m *machine, device types.Device) {
	reported := device.Battery > 0
	low := reported && device.Battery < LowBatteryLevel

	if low && !m.lowBattery {
		s.addBanner(device.ID, BannerLowBattery, fmt.Sprintf("Low battery on %s: %d%%", displayName(device), device.Battery))
	} else if !low && m.lowBattery {
		s.removeBanners(device.ID, BannerLowBattery)
	}

	m.lowBattery = low
}

func (s *service) addBanner(deviceID, kind, message string) {
	s.removeBanners(deviceID, kind)

	b := Banner{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		Message:   message,
		CreatedAt: s.clock.Now(),
	}
	s.banners[b.ID] = b
}

func (s *service) removeBanners(deviceID, kind string) {
	for id, b := range s.banners {
		if b.DeviceID == deviceID && b.Kind == kind {
			delete(s.banners, id)
		}
	}
}

func (s *service) Banners(deviceIDs ...string) []Banner {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := map[string]bool{}
	for _, id := range deviceIDs {
		wanted[id] = true
	}

	banners := []Banner{}
	for _, b := range s.banners {
		if len(wanted) == 0 || wanted[b.DeviceID] {
			banners = append(banners, b)
		}
	}

	sort.Slice(banners, func(i, j int) bool {
		return banners[i].CreatedAt.After(banners[j].CreatedAt)
	})

	return banners
}

// DismissBanner hides a banner. The alarm it belongs to keeps running.
func (s *service) DismissBanner(bannerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.banners[bannerID]; !ok {
		return ErrUnknownBanner
	}

	delete(s.banners, bannerID)
	return nil
}

func (s *service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.machines {
		m.cycle.stop()
		m.cycle = nil
		s.stopTimeout(m)
		m.generation++
	}
}

func (s *service) publish(ctx context.Context, msg messaging.TopicMessage) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.PublishOnTopic(ctx, msg); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Str("topic", msg.TopicName()).Msg("failed to publish fall alert event")
	}
}

func displayName(d types.Device) string {
	if d.UserName != "" {
		return d.UserName
	}
	return d.ID
}
