package storage

import (
	"time"

	"github.com/smartstick/guardian-monitor/pkg/types"
)

type userRecord struct {
	ID            string   `gorm:"primaryKey"`
	Email         string   `gorm:"index"`
	Name          string
	Role          string
	Phone         string
	LinkedDevices []string `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (userRecord) TableName() string {
	return "users"
}

type deviceRecord struct {
	ID                string `gorm:"primaryKey"`
	AssignedTo        string `gorm:"index"`
	UserName          string
	UserPhone         string
	MentorPhone       string
	Lat               float64
	Lng               float64
	Battery           int
	FallStatus        bool
	VibrationStatus   bool
	MovementStatus    bool
	LastUpdated       time.Time
	ImageURL          string
	DataSource        string `gorm:"index"`
	DistanceTravelled float64
	FallHistory       []fallHistoryRecord `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
}

func (deviceRecord) TableName() string {
	return "devices"
}

type fallHistoryRecord struct {
	ID        string `gorm:"primaryKey"`
	DeviceID  string `gorm:"index"`
	Timestamp time.Time
	Lat       float64
	Lng       float64
}

func (fallHistoryRecord) TableName() string {
	return "fall_history"
}

type sampleRecord struct {
	SourceID   string `gorm:"primaryKey"`
	Payload    []byte
	ReceivedAt time.Time
}

func (sampleRecord) TableName() string {
	return "samples"
}

func toUser(r userRecord) types.User {
	linked := r.LinkedDevices
	if linked == nil {
		linked = []string{}
	}

	return types.User{
		ID:            r.ID,
		Email:         r.Email,
		Name:          r.Name,
		Role:          r.Role,
		Phone:         r.Phone,
		LinkedDevices: linked,
	}
}

func fromUser(u types.User) userRecord {
	linked := u.LinkedDevices
	if linked == nil {
		linked = []string{}
	}

	return userRecord{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		Phone:         u.Phone,
		LinkedDevices: linked,
	}
}

func toDevice(r deviceRecord) types.Device {
	d := types.Device{
		ID:                r.ID,
		AssignedTo:        r.AssignedTo,
		UserName:          r.UserName,
		UserPhone:         r.UserPhone,
		MentorPhone:       r.MentorPhone,
		GPS:               types.GPS{Lat: r.Lat, Lng: r.Lng},
		Battery:           r.Battery,
		FallStatus:        r.FallStatus,
		VibrationStatus:   r.VibrationStatus,
		MovementStatus:    r.MovementStatus,
		LastUpdated:       r.LastUpdated.UTC(),
		ImageURL:          r.ImageURL,
		DataSource:        r.DataSource,
		DistanceTravelled: r.DistanceTravelled,
		FallHistory:       []types.FallHistoryEntry{},
	}

	for _, h := range r.FallHistory {
		d.FallHistory = append(d.FallHistory, types.FallHistoryEntry{
			ID:        h.ID,
			Timestamp: h.Timestamp.UTC(),
			Lat:       h.Lat,
			Lng:       h.Lng,
		})
	}

	return d
}

func fromDevice(d types.Device) deviceRecord {
	return deviceRecord{
		ID:                d.ID,
		AssignedTo:        d.AssignedTo,
		UserName:          d.UserName,
		UserPhone:         d.UserPhone,
		MentorPhone:       d.MentorPhone,
		Lat:               d.GPS.Lat,
		Lng:               d.GPS.Lng,
		Battery:           d.Battery,
		FallStatus:        d.FallStatus,
		VibrationStatus:   d.VibrationStatus,
		MovementStatus:    d.MovementStatus,
		LastUpdated:       d.LastUpdated,
		ImageURL:          d.ImageURL,
		DataSource:        d.DataSource,
		DistanceTravelled: d.DistanceTravelled,
	}
}
