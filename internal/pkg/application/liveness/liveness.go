package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/smartstick/guardian-monitor/pkg/types"
)

// Threshold is how long a signal may stay unchanged before the source is
// considered offline (uptime) or idle (gps).
const Threshold = 30 * time.Second

// DefaultInterval is the period of the re-evaluation tick.
const DefaultInterval = 5 * time.Second

const maxClockSkew = 60 * time.Second

type Status struct {
	Online bool
	Moving bool
}

type Tracker interface {
	Observe(sourceID string, sample types.Sample, now time.Time)
	Status(sourceID string, now time.Time) Status
	Forget(sourceID string)

	Start(ctx context.Context, interval time.Duration, tick func(now time.Time))
	Stop()
}

type entry struct {
	hasUpTime          bool
	lastUpTimeValue    float64
	lastUpTimeChangeAt time.Time

	hasGPS          bool
	lastLat         float64
	lastLng         float64
	lastGpsChangeAt time.Time
}

type tracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	done     chan bool
	stopOnce sync.Once
}

func New() Tracker {
	return &tracker{
		entries: map[string]*entry{},
		done:    make(chan bool),
	}
}

func (t *tracker) Observe(sourceID string, sample types.Sample, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[sourceID]
	if !ok {
		e = &entry{}
		t.entries[sourceID] = e
	}

	if sample.UptimeSeconds != nil {
		upTime := *sample.UptimeSeconds

		if e.hasUpTime {
			if upTime != e.lastUpTimeValue {
				e.lastUpTimeChangeAt = now
			}
		} else if clockIsCurrent(sample, now) {
			e.lastUpTimeChangeAt = now
		}

		e.hasUpTime = true
		e.lastUpTimeValue = upTime
	}

	lat, lng := sample.Coordinates()
	if e.hasGPS && (lat != e.lastLat || lng != e.lastLng) {
		e.lastGpsChangeAt = now
	}

	e.hasGPS = true
	e.lastLat = lat
	e.lastLng = lng
}

// clockIsCurrent reports whether a first sample may be trusted as fresh. A sample
// without a readable device clock is given the benefit of the doubt.
func clockIsCurrent(sample types.Sample, now time.Time) bool {
	deviceTime, ok := sample.DeviceTime()
	if !ok {
		return true
	}

	skew := now.Sub(deviceTime)
	if skew < 0 {
		skew = -skew
	}

	return skew <= maxClockSkew
}

func (t *tracker) Status(sourceID string, now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[sourceID]
	if !ok {
		return Status{}
	}

	return Status{
		Online: recent(e.lastUpTimeChangeAt, now),
		Moving: recent(e.lastGpsChangeAt, now),
	}
}

func recent(changedAt, now time.Time) bool {
	return !changedAt.IsZero() && now.Sub(changedAt) < Threshold
}

func (t *tracker) Forget(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, sourceID)
}

func (t *tracker) Start(ctx context.Context, interval time.Duration, tick func(now time.Time)) {
	if interval <= 0 || interval > DefaultInterval {
		interval = DefaultInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case now := <-ticker.C:
				tick(now.UTC())
			}
		}
	}()
}

func (t *tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
}
