package monitor

import (
	"time"

	"github.com/smartstick/guardian-monitor/internal/pkg/application/liveness"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/telemetry"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

// Merge augments every stored device with the latest sample of its IoT
// source. The result has one entry per device, in the order given.
func Merge(devices []types.Device, samples map[string]types.Sample, tracker liveness.Tracker, now time.Time) []types.MergedDevice {
	merged := make([]types.MergedDevice, 0, len(devices))

	for _, d := range devices {
		sample, ok := samples[d.DataSource]
		if d.DataSource == "" || !ok {
			merged = append(merged, telemetry.Normalize(d, nil, liveness.Status{}, now))
			continue
		}

		merged = append(merged, telemetry.Normalize(d, &sample, tracker.Status(d.DataSource, now), now))
	}

	return merged
}
