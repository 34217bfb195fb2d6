package stream

import (
	"log"
	"sort"
	"sync"

	"github.com/pion/webrtc/v3"
)

// Remote is the negotiated media handle for one device. It is shared by
// reference with every subscriber; subscribers must treat it as read-only.
type Remote struct {
	DeviceID string
	Kind     string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Callback receives the current stream for a device. A nil Remote means the
// device currently has no stream.
type Callback func(*Remote)

// Subscription identifies one registered callback so it can be removed
// later. Function values are not comparable in Go, so Subscribe hands back
// a token instead of matching on the callback itself.
type Subscription struct {
	deviceID string
	id       uint64
	fn       Callback
}

// Registry fans the per-device stream out to any number of independent
// consumers. Publishing never renegotiates anything; it only delivers the
// handle the peer layer already owns.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	current map[string]*Remote
	subs    map[string][]*Subscription

	// OnFirstSubscriber fires when a device goes from zero to one
	// subscriber. The wiring uses it to announce interest upstream.
	OnFirstSubscriber func(deviceID string)
}

func NewRegistry() *Registry {
	return &Registry{
		current: make(map[string]*Remote),
		subs:    make(map[string][]*Subscription),
	}
}

// Subscribe registers fn for deviceID. If a stream is already published for
// the device, fn is invoked synchronously before Subscribe returns, so a
// late subscriber never misses the already-connected case.
func (r *Registry) Subscribe(deviceID string, fn Callback) *Subscription {
	r.mu.Lock()
	r.nextID++
	sub := &Subscription{deviceID: deviceID, id: r.nextID, fn: fn}
	first := len(r.subs[deviceID]) == 0
	r.subs[deviceID] = append(r.subs[deviceID], sub)
	cur, hasCur := r.current[deviceID]
	hook := r.OnFirstSubscriber
	r.mu.Unlock()

	if first && hook != nil {
		hook(deviceID)
	}
	if hasCur {
		deliver(sub, cur)
	}
	return sub
}

// Unsubscribe removes a prior registration. Removing the last subscriber
// does not touch the underlying session; teardown is the peer layer's call.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.deviceID]
	for i, s := range list {
		if s.id == sub.id {
			r.subs[sub.deviceID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.deviceID]) == 0 {
		delete(r.subs, sub.deviceID)
	}
}

// Publish records remote as the current stream for deviceID and delivers it
// to every registered subscriber exactly once. The subscriber list is
// snapshotted first, so a callback that unsubscribes itself (or subscribes
// someone else) mid-delivery cannot invalidate the iteration.
func (r *Registry) Publish(deviceID string, remote *Remote) {
	r.mu.Lock()
	if remote == nil {
		delete(r.current, deviceID)
	} else {
		r.current[deviceID] = remote
	}
	snapshot := make([]*Subscription, len(r.subs[deviceID]))
	copy(snapshot, r.subs[deviceID])
	r.mu.Unlock()

	for _, sub := range snapshot {
		deliver(sub, remote)
	}
}

// Current returns the stream most recently published for deviceID, or nil.
func (r *Registry) Current(deviceID string) *Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[deviceID]
}

// SubscriberCounts reports the number of live subscriptions per device.
func (r *Registry) SubscriberCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, len(r.subs))
	for id, list := range r.subs {
		counts[id] = len(list)
	}
	return counts
}

// Devices lists device ids with at least one subscriber or a current stream.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(r.subs)+len(r.current))
	for id := range r.subs {
		seen[id] = true
	}
	for id := range r.current {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// deliver runs one callback, containing panics so a broken subscriber
// cannot block delivery to the others.
func deliver(sub *Subscription, remote *Remote) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("stream: subscriber panic for device %s: %v", sub.deviceID, rec)
		}
	}()
	sub.fn(remote)
}
