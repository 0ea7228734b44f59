package types

import (
	"encoding/json"
	"time"
)

type FallAlertStarted struct {
	DeviceID   string    `json:"deviceID"`
	AssignedTo string    `json:"assignedTo,omitempty"`
	GPS        GPS       `json:"gps"`
	Timestamp  time.Time `json:"timestamp"`
}

func (f *FallAlertStarted) ContentType() string {
	return "application/json"
}
func (f *FallAlertStarted) TopicName() string {
	return "fallalert.started"
}
func (f *FallAlertStarted) Body() []byte {
	b, _ := json.Marshal(f)
	return b
}

type FallAlertAcknowledged struct {
	DeviceID  string    `json:"deviceID"`
	StartedAt time.Time `json:"startedAt"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *FallAlertAcknowledged) ContentType() string {
	return "application/json"
}
func (f *FallAlertAcknowledged) TopicName() string {
	return "fallalert.acknowledged"
}
func (f *FallAlertAcknowledged) Body() []byte {
	b, _ := json.Marshal(f)
	return b
}

type FallAlertCleared struct {
	DeviceID  string    `json:"deviceID"`
	TimedOut  bool      `json:"timedOut"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *FallAlertCleared) ContentType() string {
	return "application/json"
}
func (f *FallAlertCleared) TopicName() string {
	return "fallalert.cleared"
}
func (f *FallAlertCleared) Body() []byte {
	b, _ := json.Marshal(f)
	return b
}

// AcknowledgeRequested is consumed from other services that want to silence an alert.
type AcknowledgeRequested struct {
	DeviceID  string    `json:"deviceID"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *AcknowledgeRequested) ContentType() string {
	return "application/json"
}
func (a *AcknowledgeRequested) TopicName() string {
	return "fallalert.acknowledgeRequested"
}
func (a *AcknowledgeRequested) Body() []byte {
	b, _ := json.Marshal(a)
	return b
}

type DeviceCreated struct {
	DeviceID   string    `json:"deviceID"`
	DataSource string    `json:"dataSource,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (d *DeviceCreated) ContentType() string {
	return "application/json"
}
func (d *DeviceCreated) TopicName() string {
	return "directory.deviceCreated"
}
func (d *DeviceCreated) Body() []byte {
	b, _ := json.Marshal(d)
	return b
}

type DeviceRemoved struct {
	DeviceID  string    `json:"deviceID"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceRemoved) ContentType() string {
	return "application/json"
}
func (d *DeviceRemoved) TopicName() string {
	return "directory.deviceRemoved"
}
func (d *DeviceRemoved) Body() []byte {
	b, _ := json.Marshal(d)
	return b
}
