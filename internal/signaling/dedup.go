package signaling

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EventDedup suppresses duplicate inbound events within a TTL window. The
// hub may re-deliver recent broadcasts after a reconnect; handlers that
// must be creation-only sit behind one of these.
type EventDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewEventDedup(maxKeys int, ttl time.Duration) *EventDedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &EventDedup{cache: c, ttl: ttl}
}

// IsDuplicate reports whether key was seen within the TTL window, and
// marks it seen either way.
func (d *EventDedup) IsDuplicate(key string) bool {
	if seenAt, ok := d.cache.Get(key); ok {
		if time.Since(seenAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}
