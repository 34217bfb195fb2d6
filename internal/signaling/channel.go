package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send while the hub link is down. Outbound
// messages are at-most-once: they are never queued for later delivery.
var ErrNotConnected = errors.New("signaling: channel not connected")

// Handler consumes the data portion of one inbound hub event.
type Handler func(data json.RawMessage)

// HandlerRef identifies a registered handler for Off. Function values are
// not comparable, so On hands back a token.
type HandlerRef struct {
	event string
	id    uint64
}

// Stats is a point-in-time snapshot for the metrics collector.
type Stats struct {
	Connected    bool
	Reconnects   uint64
	DroppedSends uint64
}

// Config holds the dial parameters for the hub link.
type Config struct {
	URL string
	// Token, when set, supplies the auth token carried as the `token`
	// query parameter on each dial.
	Token      func(ctx context.Context) (string, error)
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Channel is the single persistent event link to the backend hub. One
// Channel is constructed at process start and shared by every upper layer;
// reconnection happens inside the channel and handlers stay registered
// across it.
type Channel struct {
	cfg Config

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	handlers  map[string][]handlerEntry
	nextID    uint64
	announced map[string]bool

	writeMu sync.Mutex

	started bool
	quit    chan struct{}
	done    chan struct{}

	reconnects   atomic.Uint64
	droppedSends atomic.Uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

func NewChannel(cfg Config) *Channel {
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Channel{
		cfg:       cfg,
		handlers:  make(map[string][]handlerEntry),
		announced: make(map[string]bool),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect starts the dial/read loop. Calling it again on a channel that is
// already running is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close tears the link down and stops the reconnect loop.
func (c *Channel) Close() error {
	c.mu.Lock()
	started := c.started
	conn := c.conn
	c.mu.Unlock()

	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	if conn != nil {
		conn.Close()
	}
	if started {
		<-c.done
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.cfg.BackoffMin
	firstDial := true

	for {
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.Printf("signaling: dial %s failed: %v (retry in %s)", c.cfg.URL, err, backoff)
			select {
			case <-time.After(backoff):
			case <-c.quit:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			continue
		}
		backoff = c.cfg.BackoffMin

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		if !firstDial {
			c.reconnects.Add(1)
		}
		firstDial = false
		log.Printf("signaling: connected to hub %s", c.cfg.URL)

		// The hub only re-offers media for devices it knows we watch, so
		// after a reconnect every announced device is announced again.
		c.reannounce()

		c.readPump(conn)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != nil {
		tok, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Printf("signaling: read error: %v", err)
			}
			conn.Close()
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("signaling: malformed frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch runs each registered handler to completion, in registration
// order. Handlers are expected to be quick or to hand work off themselves.
func (c *Channel) dispatch(env Envelope) {
	c.mu.RLock()
	snapshot := make([]handlerEntry, len(c.handlers[env.Event]))
	copy(snapshot, c.handlers[env.Event])
	c.mu.RUnlock()

	if len(snapshot) == 0 {
		log.Printf("signaling: no handler for event %q", env.Event)
		return
	}
	for _, h := range snapshot {
		c.invoke(env.Event, h.fn, env.Data)
	}
}

func (c *Channel) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("signaling: handler panic for %q: %v", event, rec)
		}
	}()
	fn(data)
}

// Send marshals payload and writes it as one frame. While disconnected the
// message is dropped and ErrNotConnected returned; callers treat that as
// non-fatal.
func (c *Channel) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		c.droppedSends.Add(1)
		log.Printf("signaling: dropped %q while disconnected", event)
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.droppedSends.Add(1)
		log.Printf("signaling: write %q failed: %v", event, err)
		return err
	}
	return nil
}

// On registers fn for event. Multiple handlers per event are allowed.
func (c *Channel) On(event string, fn Handler) *HandlerRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextID, fn: fn})
	return &HandlerRef{event: event, id: c.nextID}
}

// Off removes a handler registered with On.
func (c *Channel) Off(ref *HandlerRef) {
	if ref == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.handlers[ref.event]
	for i, h := range list {
		if h.id == ref.id {
			c.handlers[ref.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

// Ready announces dashboard interest in deviceID, at most once per device.
// The hub responds by (re)starting media negotiation for that device.
func (c *Channel) Ready(deviceID string) {
	c.mu.Lock()
	if c.announced[deviceID] {
		c.mu.Unlock()
		return
	}
	c.announced[deviceID] = true
	c.mu.Unlock()

	// A drop here is fine: reannounce covers the disconnected window.
	_ = c.Send(EventDashboardReady, ReadyPayload{DeviceID: deviceID})
}

func (c *Channel) reannounce() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.announced))
	for id := range c.announced {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		_ = c.Send(EventDashboardReady, ReadyPayload{DeviceID: id})
	}
}

// Stats reports link state for the metrics collector.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()

	return Stats{
		Connected:    connected,
		Reconnects:   c.reconnects.Load(),
		DroppedSends: c.droppedSends.Load(),
	}
}
