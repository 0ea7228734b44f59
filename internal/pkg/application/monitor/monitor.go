package monitor

import (
	"bytes"
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/liveness"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/telemetry"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/webevents"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

// DevicesEvent is the name of the web event carrying a merged device list.
const DevicesEvent = "devices"

type Source interface {
	WatchDevices(ctx context.Context) <-chan []types.Device
	WatchSamples(ctx context.Context) <-chan map[string][]byte
}

type AlertObserver interface {
	Observe(ctx context.Context, device types.MergedDevice)
}

type EventPublisher interface {
	Publish(channel, event string, data any) error
}

type Service interface {
	Start(ctx context.Context)
	Stop()

	Devices() []types.MergedDevice
	DevicesFor(guardianID string) []types.MergedDevice
	Device(id string) (types.MergedDevice, bool)
	UnassignedSources() []string
}

type service struct {
	source  Source
	tracker liveness.Tracker
	alerts  AlertObserver
	events  EventPublisher
	now     func() time.Time

	mu      sync.RWMutex
	devices []types.Device
	raw     map[string][]byte
	samples map[string]types.Sample
	merged  []types.MergedDevice

	// alerts are only observed once both collections have been loaded, so a
	// device is never seen without its sample right after a restart
	devicesLoaded bool
	samplesLoaded bool

	// last list sent per web event channel, owned by the pipeline goroutine
	published map[string][]types.MergedDevice

	ticks    chan time.Time
	done     chan struct{}
	stopOnce sync.Once
}

func New(source Source, tracker liveness.Tracker, alerts AlertObserver, events EventPublisher) Service {
	return &service{
		source:    source,
		tracker:   tracker,
		alerts:    alerts,
		events:    events,
		now:       func() time.Time { return time.Now().UTC() },
		raw:       map[string][]byte{},
		samples:   map[string]types.Sample{},
		merged:    []types.MergedDevice{},
		published: map[string][]types.MergedDevice{},
		ticks:     make(chan time.Time, 1),
		done:      make(chan struct{}),
	}
}

// Start runs the monitoring pipeline until ctx is cancelled or Stop is called.
// Every change to the stored devices or samples, and every liveness tick,
// produces a new merged list.
func (s *service) Start(ctx context.Context) {
	devices := s.source.WatchDevices(ctx)
	samples := s.source.WatchSamples(ctx)

	s.tracker.Start(ctx, liveness.DefaultInterval, func(now time.Time) {
		select {
		case s.ticks <- now:
		default:
		}
	})

	go s.run(ctx, devices, samples)
}

func (s *service) run(ctx context.Context, devices <-chan []types.Device, samples <-chan map[string][]byte) {
	log := logging.GetLoggerFromContext(ctx)
	log.Info().Msg("monitoring pipeline started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case d, ok := <-devices:
			if !ok {
				log.Warn().Msg("device subscription closed")
				return
			}
			s.setDevices(d)
			s.reconcile(ctx, s.now())
		case raw, ok := <-samples:
			if !ok {
				log.Warn().Msg("sample subscription closed")
				return
			}
			now := s.now()
			s.ingest(ctx, raw, now)
			s.reconcile(ctx, now)
		case <-s.ticks:
			s.reconcile(ctx, s.now())
		}
	}
}

func (s *service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.tracker.Stop()
	})
}

func (s *service) setDevices(devices []types.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = devices
	s.devicesLoaded = true
}

// ingest decodes the samples that changed since the previous snapshot and
// feeds them to the liveness tracker.
func (s *service) ingest(ctx context.Context, raw map[string][]byte, now time.Time) {
	log := logging.GetLoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samplesLoaded = true

	for sourceID := range s.raw {
		if _, ok := raw[sourceID]; !ok {
			delete(s.raw, sourceID)
			delete(s.samples, sourceID)
			s.tracker.Forget(sourceID)
		}
	}

	for sourceID, payload := range raw {
		if prev, ok := s.raw[sourceID]; ok && bytes.Equal(prev, payload) {
			continue
		}
		s.raw[sourceID] = payload

		sample, err := telemetry.DecodeSample(payload)
		if err != nil {
			log.Debug().Err(err).Str("source", sourceID).Msg("skipping malformed sample")
			continue
		}

		s.samples[sourceID] = sample
		s.tracker.Observe(sourceID, sample, now)
	}
}

func (s *service) reconcile(ctx context.Context, now time.Time) {
	s.mu.Lock()
	merged := Merge(s.devices, s.samples, s.tracker, now)
	s.merged = merged
	loaded := s.devicesLoaded && s.samplesLoaded
	s.mu.Unlock()

	if loaded {
		for _, d := range merged {
			s.alerts.Observe(ctx, d)
		}
	}

	s.publish(ctx, merged)
}

func (s *service) publish(ctx context.Context, merged []types.MergedDevice) {
	channels := map[string][]types.MergedDevice{
		webevents.AdminChannel: merged,
	}

	for channel := range s.published {
		channels[channel] = []types.MergedDevice{}
	}

	for _, d := range merged {
		if d.AssignedTo != "" {
			channels[d.AssignedTo] = append(channels[d.AssignedTo], d)
		}
	}

	for channel, devices := range channels {
		if prev, ok := s.published[channel]; ok && reflect.DeepEqual(prev, devices) {
			continue
		}

		if err := s.events.Publish(channel, DevicesEvent, devices); err != nil {
			log := logging.GetLoggerFromContext(ctx)
			log.Error().Err(err).Str("channel", channel).Msg("failed to publish devices")
			continue
		}

		s.published[channel] = devices
	}
}

func (s *service) Devices() []types.MergedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]types.MergedDevice{}, s.merged...)
}

func (s *service) DevicesFor(guardianID string) []types.MergedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Filter(s.merged, func(d types.MergedDevice, _ int) bool {
		return guardianID != "" && d.AssignedTo == guardianID
	})
}

func (s *service) Device(id string) (types.MergedDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Find(s.merged, func(d types.MergedDevice) bool {
		return d.ID == id
	})
}

func (s *service) UnassignedSources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return telemetry.UnassignedSources(s.devices, lo.Keys(s.raw))
}
