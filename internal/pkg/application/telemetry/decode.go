package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/smartstick/guardian-monitor/pkg/types"
)

var ErrNotAnObject = errors.New("sample is not a json object")

type fieldKind int

const (
	number fieldKind = iota
	boolean
	text
)

type field struct {
	kind   fieldKind
	assign func(s *types.Sample, v any)
}

var sampleSchema = map[string]field{
	"distance1_cm":        {number, func(s *types.Sample, v any) { s.Distance1 = v.(*float64) }},
	"distance2_cm":        {number, func(s *types.Sample, v any) { s.Distance2 = v.(*float64) }},
	"fallDetected":        {boolean, func(s *types.Sample, v any) { s.FallDetected = v.(*bool) }},
	"latitude":            {number, func(s *types.Sample, v any) { s.Latitude = v.(*float64) }},
	"longitude":           {number, func(s *types.Sample, v any) { s.Longitude = v.(*float64) }},
	"pitch":               {number, func(s *types.Sample, v any) { s.Pitch = v.(*float64) }},
	"uptime_seconds":      {number, func(s *types.Sample, v any) { s.UptimeSeconds = v.(*float64) }},
	"current_time":        {text, func(s *types.Sample, v any) { s.CurrentTime = v.(*string) }},
	"distance_traveled_m": {number, func(s *types.Sample, v any) { s.DistanceTraveled = v.(*float64) }},
}

// DecodeSample turns a raw payload from an IoT source into a Sample. Unknown
// fields are ignored and fields whose value cannot be coerced are left unset,
// so a partial sample is never rejected.
func DecodeSample(raw []byte) (types.Sample, error) {
	sample := types.Sample{}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	obj := map[string]any{}
	if err := dec.Decode(&obj); err != nil {
		return sample, fmt.Errorf("%w: %s", ErrNotAnObject, err.Error())
	}

	for name, value := range obj {
		f, ok := sampleSchema[name]
		if !ok || value == nil {
			continue
		}

		switch f.kind {
		case number:
			if n, ok := toNumber(value); ok {
				f.assign(&sample, &n)
			}
		case boolean:
			if b, ok := toBool(value); ok {
				f.assign(&sample, &b)
			}
		case text:
			if s, ok := toText(value); ok {
				f.assign(&sample, &s)
			}
		}
	}

	return sample, nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case json.Number:
		f, err := b.Float64()
		return f != 0, err == nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}

func toText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	}
	return "", false
}
