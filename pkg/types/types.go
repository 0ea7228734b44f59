package types

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	RoleAdmin    string = "admin"
	RoleGuardian string = "guardian"
)

type User struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	Role          string   `json:"role"`
	Phone         string   `json:"phone,omitempty"`
	LinkedDevices []string `json:"linkedDevices"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type GPS struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type FallHistoryEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
}

type Device struct {
	ID                string             `json:"id"`
	AssignedTo        string             `json:"assignedTo"`
	UserName          string             `json:"userName"`
	UserPhone         string             `json:"userPhone"`
	MentorPhone       string             `json:"mentorPhone"`
	GPS               GPS                `json:"gps"`
	Battery           int                `json:"battery"`
	FallStatus        bool               `json:"fallStatus"`
	VibrationStatus   bool               `json:"vibrationStatus"`
	MovementStatus    bool               `json:"movementStatus"`
	LastUpdated       time.Time          `json:"lastUpdated"`
	ImageURL          string             `json:"imageUrl,omitempty"`
	DataSource        string             `json:"dataSource,omitempty"`
	DistanceTravelled float64            `json:"distanceTravelled"`
	FallHistory       []FallHistoryEntry `json:"fallHistory"`
}

// NewestFirst returns the fall history sorted by timestamp, newest entry first.
func (d Device) NewestFirst() []FallHistoryEntry {
	h := make([]FallHistoryEntry, len(d.FallHistory))
	copy(h, d.FallHistory)
	sort.SliceStable(h, func(i, j int) bool {
		return h[i].Timestamp.After(h[j].Timestamp)
	})
	return h
}

// Telemetry holds the fields that only exist on a device merged with a live sample.
type Telemetry struct {
	Distance1 float64 `json:"distance1_cm"`
	Distance2 float64 `json:"distance2_cm"`
	Pitch     float64 `json:"pitch"`
	UpTime    float64 `json:"upTime"`
	IsOnline  bool    `json:"isOnline"`
	IsMoving  bool    `json:"isMoving"`
}

type MergedDevice struct {
	Device
	*Telemetry
}

type AlertSession struct {
	Acknowledged bool      `json:"acknowledged"`
	StartedAt    time.Time `json:"startedAt"`
}

// Sample is a raw reading published by an IoT source. Every field is optional.
type Sample struct {
	Distance1        *float64 `json:"distance1_cm,omitempty"`
	Distance2        *float64 `json:"distance2_cm,omitempty"`
	FallDetected     *bool    `json:"fallDetected,omitempty"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	Pitch            *float64 `json:"pitch,omitempty"`
	UptimeSeconds    *float64 `json:"uptime_seconds,omitempty"`
	CurrentTime      *string  `json:"current_time,omitempty"`
	DistanceTraveled *float64 `json:"distance_traveled_m,omitempty"`
}

var deviceClockLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

// DeviceTime parses the clock reading embedded in the sample. Numeric values
// are treated as unix seconds, or milliseconds when too large to be seconds.
func (s Sample) DeviceTime() (time.Time, bool) {
	if s.CurrentTime == nil {
		return time.Time{}, false
	}

	value := strings.TrimSpace(*s.CurrentTime)
	if value == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}

	for _, layout := range deviceClockLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

func (s Sample) Coordinates() (float64, float64) {
	return valueOrZero(s.Latitude), valueOrZero(s.Longitude)
}

func valueOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
