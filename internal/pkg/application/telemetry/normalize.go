package telemetry

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/liveness"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

// ObstacleDistance is the range in centimetres below which a distance sensor
// reports an obstacle.
const ObstacleDistance float64 = 100

const (
	maxClockLead = 5 * time.Minute
	maxClockLag  = 30 * 24 * time.Hour
)

// Normalize merges a stored device with the latest sample from its IoT source.
// A device without a sample is passed through untouched.
func Normalize(device types.Device, sample *types.Sample, status liveness.Status, now time.Time) types.MergedDevice {
	merged := types.MergedDevice{Device: device}

	if sample == nil {
		return merged
	}

	merged.Telemetry = &types.Telemetry{
		UpTime:   valueOr(sample.UptimeSeconds, 0),
		IsOnline: status.Online,
		IsMoving: status.Online && status.Moving,
	}

	if lat, lng := sample.Coordinates(); lat != 0 && lng != 0 {
		merged.GPS = types.GPS{Lat: lat, Lng: lng}
	}

	if !status.Online {
		merged.FallStatus = false
		merged.VibrationStatus = false
		merged.MovementStatus = false

		if deviceTime, ok := sample.DeviceTime(); ok && plausible(deviceTime, now) {
			merged.LastUpdated = deviceTime
		}

		return merged
	}

	merged.Distance1 = valueOr(sample.Distance1, 0)
	merged.Distance2 = valueOr(sample.Distance2, 0)
	merged.Pitch = valueOr(sample.Pitch, 0)

	if sample.FallDetected != nil {
		merged.FallStatus = *sample.FallDetected
	}

	merged.VibrationStatus = device.VibrationStatus || obstacle(sample.Distance1) || obstacle(sample.Distance2)
	merged.MovementStatus = status.Moving
	merged.DistanceTravelled = valueOr(sample.DistanceTraveled, device.DistanceTravelled)
	merged.LastUpdated = now

	return merged
}

func obstacle(distance *float64) bool {
	return distance != nil && *distance < ObstacleDistance
}

func plausible(t, now time.Time) bool {
	return !t.After(now.Add(maxClockLead)) && !t.Before(now.Add(-maxClockLag))
}

func valueOr(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

// UnassignedSources lists, in sorted order, every IoT source that no device
// is bound to.
func UnassignedSources(devices []types.Device, sources []string) []string {
	bound := lo.FilterMap(devices, func(d types.Device, _ int) (string, bool) {
		return d.DataSource, d.DataSource != ""
	})

	unassigned := lo.Uniq(lo.Without(sources, bound...))
	sort.Strings(unassigned)

	return unassigned
}
