package alerts

import (
	"errors"
	"time"

	"github.com/sentryops/camdash/internal/signaling"
)

// Status is the alert lifecycle state. PENDING is the only non-terminal
// status; transitions are monotone PENDING -> CONFIRMED | DISMISSED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusDismissed Status = "DISMISSED"
)

// ErrNotFound is returned for operations on an unknown alert id.
var ErrNotFound = errors.New("alerts: not found")

// Alert is one motion/audio alert from a camera device. DeviceID is a
// logical reference only; a device without a live session is a valid,
// displayable "offline" state.
type Alert struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Location  string    `json:"location"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// FromBroadcast converts the server-pushed creation event. Broadcast
// timestamps are epoch seconds; internally everything is time.Time.
func FromBroadcast(b signaling.AlertBroadcast) *Alert {
	return &Alert{
		ID:        b.ID,
		DeviceID:  b.DeviceID,
		Location:  b.Location,
		Latitude:  b.Latitude,
		Longitude: b.Longitude,
		CreatedAt: time.Unix(b.Timestamp, 0).UTC(),
		Status:    StatusPending,
	}
}

// Stats is a snapshot for the metrics collector.
type Stats struct {
	Pending         int
	Confirmed       int
	Dismissed       int
	PersistFailures uint64
	SirenTriggers   uint64
}
