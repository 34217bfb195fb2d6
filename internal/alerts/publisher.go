package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// LifecycleEvent is the NATS republication of one alert transition.
type LifecycleEvent struct {
	EventID  string    `json:"event_id"`
	AlertID  string    `json:"alert_id"`
	DeviceID string    `json:"device_id"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
}

func NewLifecycleEvent(a *Alert) *LifecycleEvent {
	return &LifecycleEvent{
		EventID:  uuid.New().String(),
		AlertID:  a.ID,
		DeviceID: a.DeviceID,
		Status:   a.Status,
		At:       time.Now().UTC(),
	}
}

// natsConn is the slice of *nats.Conn the publisher drives.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher fans lifecycle events onto a per-status subject hierarchy
// (<base>.pending, <base>.confirmed, <base>.dismissed) so consumers can
// subscribe to just the transitions they care about. Transient publish
// failures are retried with doubling backoff, bounded by the caller's
// context.
type NATSPublisher struct {
	conn    natsConn
	base    string
	retries int
}

func NewNATSPublisher(conn *nats.Conn, baseSubject string, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:    conn,
		base:    baseSubject,
		retries: maxRetries,
	}
}

// Subject returns the subject events with the given status land on.
func (p *NATSPublisher) Subject(status Status) string {
	return p.base + "." + strings.ToLower(string(status))
}

func (p *NATSPublisher) Publish(ctx context.Context, ev *LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	subject := p.Subject(ev.Status)

	delay := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		if err = p.conn.Publish(subject, data); err == nil {
			return nil
		}
		if attempt >= p.retries {
			return fmt.Errorf("publish %s after %d attempts: %w", subject, attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
